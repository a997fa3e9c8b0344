package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/pkg/enums"
)

// CreditTransaction mirrors one entry of a tenant's fast-store transaction log.
type CreditTransaction struct {
	ID           uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	TenantID     string                `gorm:"column:tenant_id;not null;index:idx_credit_transactions_tenant_seq,priority:1"`
	Type         enums.TransactionType `gorm:"column:type;type:text;not null"`
	Amount       decimal.Decimal       `gorm:"column:amount;type:numeric(28,8);not null"`
	BalanceAfter decimal.Decimal       `gorm:"column:balance_after;type:numeric(28,8);not null"`
	Source       string                `gorm:"column:source;not null;default:''"`
	Reference    string                `gorm:"column:reference;not null;default:''"`
	Sequence     int64                 `gorm:"column:sequence;not null;index:idx_credit_transactions_tenant_seq,priority:2"`
	OccurredAt   time.Time             `gorm:"column:occurred_at;not null"`
	CreatedAt    time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
