package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/pkg/db/models"
	"github.com/angelmondragon/creditmeter/pkg/enums"
)

// SettledUsage is a queued usage record together with its final status.
type SettledUsage struct {
	Record balance.UsageRecord
	Status enums.UsageStatus
}

// UsageEntry is a persisted usage record as served to API callers.
type UsageEntry struct {
	ID           string            `json:"id"`
	ResourceType string            `json:"resourceType"`
	Amount       decimal.Decimal   `json:"amount"`
	Cost         decimal.Decimal   `json:"cost"`
	Status       enums.UsageStatus `json:"status"`
	Metadata     json.RawMessage   `json:"metadata,omitempty"`
	RecordedAt   time.Time         `json:"recordedAt"`
}

// UsageSummary reports billable usage over a window next to the tenant's
// all-time durable ledger totals.
type UsageSummary struct {
	TenantID     string          `json:"tenantId"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Billable     decimal.Decimal `json:"billable"`
	Credits      decimal.Decimal `json:"credits"`
	Debits       decimal.Decimal `json:"debits"`
	Net          decimal.Decimal `json:"net"`
	Transactions int64           `json:"transactions"`
}

// Service converts fast-store records into durable rows and serves reads
// from them.
type Service interface {
	WithTx(tx *gorm.DB) Service
	PersistUsage(ctx context.Context, usage []SettledUsage) (int64, error)
	PersistTransactions(ctx context.Context, txs []balance.Transaction) (int64, error)
	// SettleBalance records the balance after last as the tenant's settled
	// balance.
	SettleBalance(ctx context.Context, last balance.Transaction) error

	TransactionsBefore(ctx context.Context, tenantID string, beforeSeq int64, limit, offset int) ([]balance.Transaction, error)
	ListUsage(ctx context.Context, tenantID string, limit, offset int) ([]UsageEntry, error)
	UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (UsageSummary, error)
}

type service struct {
	repo Repository
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	return &service{repo: s.repo.WithTx(tx)}
}

func (s *service) PersistUsage(ctx context.Context, usage []SettledUsage) (int64, error) {
	rows := make([]models.UsageRecord, 0, len(usage))
	for _, u := range usage {
		if !u.Status.IsValid() {
			return 0, fmt.Errorf("invalid usage status %q for %s", u.Status, u.Record.ID)
		}
		id, err := uuid.Parse(u.Record.ID)
		if err != nil {
			return 0, fmt.Errorf("usage id %q: %w", u.Record.ID, err)
		}
		rows = append(rows, models.UsageRecord{
			ID:           id,
			TenantID:     u.Record.TenantID,
			ResourceType: u.Record.ResourceType,
			Amount:       u.Record.Amount,
			Cost:         u.Record.Cost,
			Status:       u.Status,
			Metadata:     nullableJSON(u.Record.Metadata),
			RecordedAt:   u.Record.Timestamp.UTC(),
		})
	}
	return s.repo.InsertUsage(ctx, rows)
}

func (s *service) PersistTransactions(ctx context.Context, txs []balance.Transaction) (int64, error) {
	rows := make([]models.CreditTransaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.Type.IsValid() {
			return 0, fmt.Errorf("invalid transaction type %q for %s", tx.Type, tx.ID)
		}
		id, err := uuid.Parse(tx.ID)
		if err != nil {
			return 0, fmt.Errorf("transaction id %q: %w", tx.ID, err)
		}
		rows = append(rows, models.CreditTransaction{
			ID:           id,
			TenantID:     tx.TenantID,
			Type:         tx.Type,
			Amount:       tx.Amount,
			BalanceAfter: tx.BalanceAfter,
			Source:       tx.Source,
			Reference:    tx.Reference,
			Sequence:     tx.Sequence,
			OccurredAt:   tx.Timestamp.UTC(),
		})
	}
	return s.repo.InsertTransactions(ctx, rows)
}

func (s *service) SettleBalance(ctx context.Context, last balance.Transaction) error {
	if last.TenantID == "" {
		return fmt.Errorf("settle balance: tenant id required")
	}
	return s.repo.UpsertSettledBalance(ctx, &models.SettledBalance{
		TenantID:  last.TenantID,
		Balance:   last.BalanceAfter,
		SettledAt: last.Timestamp.UTC(),
	})
}

// TransactionsBefore returns persisted transactions older than beforeSeq,
// newest first. History pages continue here once they run past the
// compacted fast log.
func (s *service) TransactionsBefore(ctx context.Context, tenantID string, beforeSeq int64, limit, offset int) ([]balance.Transaction, error) {
	if limit <= 0 {
		return []balance.Transaction{}, nil
	}
	rows, err := s.repo.ListTransactionsBefore(ctx, tenantID, beforeSeq, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	txs := make([]balance.Transaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, balance.Transaction{
			ID:           row.ID.String(),
			TenantID:     row.TenantID,
			Type:         row.Type,
			Amount:       row.Amount,
			BalanceAfter: row.BalanceAfter,
			Timestamp:    row.OccurredAt.UTC(),
			Source:       row.Source,
			Reference:    row.Reference,
			Sequence:     row.Sequence,
		})
	}
	return txs, nil
}

func (s *service) ListUsage(ctx context.Context, tenantID string, limit, offset int) ([]UsageEntry, error) {
	if limit <= 0 {
		return []UsageEntry{}, nil
	}
	rows, err := s.repo.ListUsage(ctx, tenantID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	entries := make([]UsageEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, UsageEntry{
			ID:           row.ID.String(),
			ResourceType: row.ResourceType,
			Amount:       row.Amount,
			Cost:         row.Cost,
			Status:       row.Status,
			Metadata:     nullableJSON(row.Metadata),
			RecordedAt:   row.RecordedAt.UTC(),
		})
	}
	return entries, nil
}

// UsageSummary bills charged usage in [from, to). Unpaid usage is listed by
// ListUsage but never billed.
func (s *service) UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (UsageSummary, error) {
	billable, err := s.repo.BillableUsage(ctx, tenantID, from, to)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("billable usage: %w", err)
	}
	totals, err := s.repo.LedgerTotals(ctx, tenantID)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("ledger totals: %w", err)
	}
	return UsageSummary{
		TenantID:     tenantID,
		From:         from.UTC(),
		To:           to.UTC(),
		Billable:     billable,
		Credits:      totals.Credits,
		Debits:       totals.Debits,
		Net:          totals.Net(),
		Transactions: totals.Count,
	}, nil
}

func nullableJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
