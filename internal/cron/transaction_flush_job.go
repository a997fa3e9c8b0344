package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
)

const (
	defaultTxBatchSize = 500
	defaultTxRetain    = 1000
)

type TransactionFlushJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Store     balance.TransactionLog
	Ledger    ledger.Service
	Metrics   *metrics.RuntimeMetrics
	BatchSize int
	Retain    int
}

// NewTransactionFlushJob mirrors the fast transaction log into
// credit_transactions, records the balance after the newest flushed entry in
// settled_balances and compacts the fast copy.
func NewTransactionFlushJob(params TransactionFlushJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("transaction store required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultTxBatchSize
	}
	retain := params.Retain
	if retain <= 0 {
		retain = defaultTxRetain
	}
	return &transactionFlushJob{
		logg:    params.Logger,
		db:      params.DB,
		store:   params.Store,
		ledger:  params.Ledger,
		metrics: params.Metrics,
		batch:   batch,
		retain:  retain,
	}, nil
}

type transactionFlushJob struct {
	logg    *logger.Logger
	db      txRunner
	store   balance.TransactionLog
	ledger  ledger.Service
	metrics *metrics.RuntimeMetrics
	batch   int
	retain  int
}

func (j *transactionFlushJob) Name() string { return "transaction-flush" }

func (j *transactionFlushJob) Run(ctx context.Context) error {
	tenants, err := j.store.TransactionTenants(ctx)
	if err != nil {
		return fmt.Errorf("list transaction tenants: %w", err)
	}
	var (
		errs    error
		flushed int
	)
	for _, tenant := range tenants {
		n, err := j.flushTenant(ctx, tenant)
		flushed += n
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	j.metrics.AddFlushed("transactions", flushed)
	if flushed > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"tenants":      len(tenants),
			"rows_flushed": flushed,
		}), "transaction flush complete")
	}
	return errs
}

func (j *transactionFlushJob) flushTenant(ctx context.Context, tenant string) (int, error) {
	flushed := 0
	for i := 0; i < maxBatchesPerTenant; i++ {
		txs, err := j.store.UnflushedTransactions(ctx, tenant, j.batch)
		if err != nil {
			return flushed, fmt.Errorf("read transactions: %w", err)
		}
		if len(txs) == 0 {
			return flushed, nil
		}
		err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
			svc := j.ledger.WithTx(tx)
			if _, err := svc.PersistTransactions(ctx, txs); err != nil {
				return err
			}
			return svc.SettleBalance(ctx, txs[len(txs)-1])
		})
		if err != nil {
			return flushed, fmt.Errorf("persist transactions: %w", err)
		}
		upTo := txs[len(txs)-1].Sequence
		if err := j.store.MarkTransactionsFlushed(ctx, tenant, upTo, j.retain); err != nil {
			return flushed, fmt.Errorf("advance watermark: %w", err)
		}
		flushed += len(txs)
		if len(txs) < j.batch {
			return flushed, nil
		}
	}
	return flushed, nil
}
