package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/creditmeter/pkg/db"
	"github.com/angelmondragon/creditmeter/pkg/db/models"
	"github.com/angelmondragon/creditmeter/pkg/enums"
)

const (
	insertBatchSize = 200
	amountPrecision = 8
)

// Totals aggregates the durable transaction history of one tenant.
type Totals struct {
	Credits decimal.Decimal
	Debits  decimal.Decimal
	Count   int64
}

// Net is credits minus debits.
func (t Totals) Net() decimal.Decimal {
	return t.Credits.Sub(t.Debits)
}

// Repository manages persistence for the durable ledger tables.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	InsertUsage(ctx context.Context, rows []models.UsageRecord) (int64, error)
	InsertTransactions(ctx context.Context, rows []models.CreditTransaction) (int64, error)
	InsertAdRevenueEvent(ctx context.Context, event *models.AdRevenueEvent) error
	UpsertSettledBalance(ctx context.Context, row *models.SettledBalance) error
	ListSettledBalances(ctx context.Context, afterTenant string, limit int) ([]models.SettledBalance, error)
	ListUsage(ctx context.Context, tenantID string, limit, offset int) ([]models.UsageRecord, error)
	ListTransactionsBefore(ctx context.Context, tenantID string, beforeSeq int64, limit, offset int) ([]models.CreditTransaction, error)
	BillableUsage(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error)
	LedgerTotals(ctx context.Context, tenantID string) (Totals, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// InsertUsage writes usage rows, skipping ids that already exist. It returns
// the number of new rows.
func (r *repository) InsertUsage(ctx context.Context, rows []models.UsageRecord) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(&rows, insertBatchSize)
	return res.RowsAffected, res.Error
}

// InsertTransactions writes transaction rows idempotently by id.
func (r *repository) InsertTransactions(ctx context.Context, rows []models.CreditTransaction) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		CreateInBatches(&rows, insertBatchSize)
	return res.RowsAffected, res.Error
}

// InsertAdRevenueEvent writes the audit row. A retried audit for an event id
// that already landed is not an error.
func (r *repository) InsertAdRevenueEvent(ctx context.Context, event *models.AdRevenueEvent) error {
	err := r.db.WithContext(ctx).Create(event).Error
	if db.IsUniqueViolation(err, "") {
		return nil
	}
	return err
}

func (r *repository) UpsertSettledBalance(ctx context.Context, row *models.SettledBalance) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "settled_at", "updated_at"}),
		}).
		Create(row).Error
}

// ListSettledBalances pages through settled balances ordered by tenant id,
// starting after afterTenant.
func (r *repository) ListSettledBalances(ctx context.Context, afterTenant string, limit int) ([]models.SettledBalance, error) {
	var rows []models.SettledBalance
	query := r.db.WithContext(ctx).Order("tenant_id ASC").Limit(limit)
	if afterTenant != "" {
		query = query.Where("tenant_id > ?", afterTenant)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListUsage(ctx context.Context, tenantID string, limit, offset int) ([]models.UsageRecord, error) {
	var rows []models.UsageRecord
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("recorded_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListTransactionsBefore pages through a tenant's persisted transactions with
// a sequence below beforeSeq, newest first.
func (r *repository) ListTransactionsBefore(ctx context.Context, tenantID string, beforeSeq int64, limit, offset int) ([]models.CreditTransaction, error) {
	var rows []models.CreditTransaction
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND sequence < ?", tenantID, beforeSeq).
		Order("sequence DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// BillableUsage sums the cost of charged usage in [from, to). Unpaid rows are
// kept for audit but never billed.
func (r *repository) BillableUsage(ctx context.Context, tenantID string, from, to time.Time) (decimal.Decimal, error) {
	var out struct {
		Total decimal.Decimal
	}
	err := r.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Select("COALESCE(SUM(cost), 0) AS total").
		Where("tenant_id = ? AND status = ? AND recorded_at >= ? AND recorded_at < ?", tenantID, enums.UsageStatusCharged, from.UTC(), to.UTC()).
		Scan(&out).Error
	if err != nil {
		return decimal.Zero, err
	}
	return out.Total.Round(amountPrecision), nil
}

func (r *repository) LedgerTotals(ctx context.Context, tenantID string) (Totals, error) {
	var rows []struct {
		Type  enums.TransactionType
		Total decimal.Decimal
		Count int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.CreditTransaction{}).
		Select("type, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count").
		Where("tenant_id = ?", tenantID).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return Totals{}, err
	}
	totals := Totals{Credits: decimal.Zero, Debits: decimal.Zero}
	for _, row := range rows {
		switch row.Type {
		case enums.TransactionTypeCredit:
			totals.Credits = row.Total.Round(amountPrecision)
		case enums.TransactionTypeDebit:
			totals.Debits = row.Total.Round(amountPrecision)
		}
		totals.Count += row.Count
	}
	return totals, nil
}
