package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/pkg/enums"
)

// UsageRecord is the durable copy of a metered usage event. The ID is the
// usage id minted when the event was recorded, so replays are no-ops.
type UsageRecord struct {
	ID           uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	TenantID     string            `gorm:"column:tenant_id;not null;index:idx_usage_records_tenant_recorded,priority:1"`
	ResourceType string            `gorm:"column:resource_type;not null"`
	Amount       decimal.Decimal   `gorm:"column:amount;type:numeric(28,8);not null"`
	Cost         decimal.Decimal   `gorm:"column:cost;type:numeric(28,8);not null"`
	Status       enums.UsageStatus `gorm:"column:status;type:text;not null"`
	Metadata     json.RawMessage   `gorm:"column:metadata;type:jsonb"`
	RecordedAt   time.Time         `gorm:"column:recorded_at;not null;index:idx_usage_records_tenant_recorded,priority:2"`
	CreatedAt    time.Time         `gorm:"column:created_at;autoCreateTime"`
}

func (UsageRecord) TableName() string { return "usage_records" }
