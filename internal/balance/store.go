package balance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/pkg/enums"
)

// ErrInsufficientCredits is returned when a debit would take the balance
// below zero. Nothing is written in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrAmountOutOfRange is returned when an amount, or the balance it would
// produce, does not fit the store's integer units. Nothing is written.
var ErrAmountOutOfRange = errors.New("amount out of range")

// Transaction is one immutable entry of a tenant's transaction log.
type Transaction struct {
	ID           string                `json:"id"`
	TenantID     string                `json:"tenantId"`
	Type         enums.TransactionType `json:"type"`
	Amount       decimal.Decimal       `json:"amount"`
	BalanceAfter decimal.Decimal       `json:"balanceAfter"`
	Timestamp    time.Time             `json:"timestamp"`
	Source       string                `json:"source,omitempty"`
	Reference    string                `json:"reference,omitempty"`
	// Sequence orders entries of one tenant; it is the millisecond timestamp
	// bumped forward when two entries share a millisecond.
	Sequence int64 `json:"sequence"`
}

// Mutation describes a single debit or credit.
type Mutation struct {
	TenantID  string
	Amount    decimal.Decimal
	Source    string
	Reference string
	// UsageID marks the usage record paid for by a debit, in the same
	// atomic step as the debit itself.
	UsageID string
}

// Result is the outcome of a committed mutation.
type Result struct {
	Balance     decimal.Decimal
	Transaction Transaction
}

// UsageRecord is a metered event waiting in the fast store for the flusher.
type UsageRecord struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	ResourceType string          `json:"resourceType"`
	Amount       decimal.Decimal `json:"amount"`
	Cost         decimal.Decimal `json:"cost"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// PendingUsage pairs a queued usage record with its settlement marker.
type PendingUsage struct {
	Record  UsageRecord
	Charged bool
}

// LogWindow describes what the fast transaction log still holds for a tenant
// after compaction.
type LogWindow struct {
	Entries int
	// Oldest is the sequence of the oldest retained entry; zero when empty.
	Oldest int64
}

// AtomicStore mutates balances so that concurrent debits and credits on the
// same tenant are serialised and a debit never drives the balance negative.
type AtomicStore interface {
	Debit(ctx context.Context, m Mutation) (Result, error)
	Credit(ctx context.Context, m Mutation) (Result, error)
	Balance(ctx context.Context, tenantID string) (decimal.Decimal, error)
	History(ctx context.Context, tenantID string, limit, offset int) ([]Transaction, error)
	HistoryWindow(ctx context.Context, tenantID string) (LogWindow, error)
	// SetBalance overwrites the balance without writing a transaction.
	SetBalance(ctx context.Context, tenantID string, amount decimal.Decimal) error
}

// UsageLog queues usage records until they are persisted durably.
type UsageLog interface {
	AppendUsage(ctx context.Context, record UsageRecord) error
	UsageTenants(ctx context.Context) ([]string, error)
	// PendingUsage returns up to limit records from the head of the queue.
	PendingUsage(ctx context.Context, tenantID string, limit int) ([]PendingUsage, error)
	// AckUsage drops the first len(ids) records, which must match ids in order.
	AckUsage(ctx context.Context, tenantID string, ids []string) error
}

// TransactionLog exposes the parts of the transaction log the flusher copies.
type TransactionLog interface {
	TransactionTenants(ctx context.Context) ([]string, error)
	// UnflushedTransactions returns up to limit entries past the flushed
	// watermark, oldest first.
	UnflushedTransactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error)
	// MarkTransactionsFlushed advances the watermark to upTo and trims the
	// log to retain entries without dropping anything above the watermark.
	MarkTransactionsFlushed(ctx context.Context, tenantID string, upTo int64, retain int) error
}

// Store is the full fast-store surface.
type Store interface {
	AtomicStore
	UsageLog
	TransactionLog
}

// ErrUsageAckMismatch is returned when the head of the usage queue no longer
// matches the records being acknowledged.
var ErrUsageAckMismatch = errors.New("usage queue head does not match acknowledged records")
