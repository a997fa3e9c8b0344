package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdRevenueEvent is the audit row written after ad revenue is credited.
type AdRevenueEvent struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      string          `gorm:"column:tenant_id;not null;index"`
	AdType        string          `gorm:"column:ad_type;not null"`
	Count         int64           `gorm:"column:count;not null"`
	Rate          decimal.Decimal `gorm:"column:rate;type:numeric(28,8);not null"`
	Revenue       decimal.Decimal `gorm:"column:revenue;type:numeric(28,8);not null"`
	TransactionID uuid.UUID       `gorm:"column:transaction_id;type:uuid;not null"`
	Metadata      json.RawMessage `gorm:"column:metadata;type:jsonb"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (AdRevenueEvent) TableName() string { return "ad_revenue_events" }
