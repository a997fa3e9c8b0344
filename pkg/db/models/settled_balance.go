package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettledBalance holds the authoritative balance produced by settlement. The
// reconcile job copies it over the fast-store balance.
type SettledBalance struct {
	TenantID  string          `gorm:"column:tenant_id;primaryKey"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(28,8);not null"`
	SettledAt time.Time       `gorm:"column:settled_at;not null"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (SettledBalance) TableName() string { return "settled_balances" }
