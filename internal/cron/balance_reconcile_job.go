package cron

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/angelmondragon/creditmeter/pkg/db/models"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
)

const defaultReconcileBatchSize = 500

type settledBalanceLister interface {
	ListSettledBalances(ctx context.Context, afterTenant string, limit int) ([]models.SettledBalance, error)
}

type balanceOverwriter interface {
	SetBalance(ctx context.Context, tenantID string, amount decimal.Decimal) error
}

type BalanceReconcileJobParams struct {
	Logger    *logger.Logger
	Settled   settledBalanceLister
	Store     balanceOverwriter
	Metrics   *metrics.RuntimeMetrics
	BatchSize int
}

// NewBalanceReconcileJob overwrites fast-store balances with the settled
// balances from the database. It is a full overwrite and must only run
// while debit and credit traffic is drained.
func NewBalanceReconcileJob(params BalanceReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Settled == nil {
		return nil, fmt.Errorf("settled balance repository required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("balance store required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatchSize
	}
	return &balanceReconcileJob{
		logg:    params.Logger,
		settled: params.Settled,
		store:   params.Store,
		metrics: params.Metrics,
		batch:   batch,
	}, nil
}

type balanceReconcileJob struct {
	logg    *logger.Logger
	settled settledBalanceLister
	store   balanceOverwriter
	metrics *metrics.RuntimeMetrics
	batch   int
}

func (j *balanceReconcileJob) Name() string { return "balance-reconcile" }

func (j *balanceReconcileJob) Run(ctx context.Context) error {
	var (
		errs    error
		after   string
		updated int
	)
	for {
		page, err := j.settled.ListSettledBalances(ctx, after, j.batch)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list settled balances: %w", err))
			break
		}
		for _, row := range page {
			if err := j.store.SetBalance(ctx, row.TenantID, row.Balance); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("tenant %s: %w", row.TenantID, err))
				continue
			}
			updated++
		}
		if len(page) < j.batch {
			break
		}
		after = page[len(page)-1].TenantID
	}
	j.metrics.AddFlushed("balances", updated)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"balances_updated": updated,
		"errors":           len(multierr.Errors(errs)),
	}), "balance reconcile complete")
	return errs
}
