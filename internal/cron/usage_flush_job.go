package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/pkg/enums"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
)

const (
	defaultUsageBatchSize   = 500
	defaultUsageSettleGrace = time.Minute
	// maxBatchesPerTenant bounds one tenant's share of a cycle.
	maxBatchesPerTenant = 20
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type UsageFlushJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Store       balance.UsageLog
	Ledger      ledger.Service
	Metrics     *metrics.RuntimeMetrics
	BatchSize   int
	SettleGrace time.Duration
}

// NewUsageFlushJob copies settled usage records from the fast store into
// usage_records and then drops them from the queue.
func NewUsageFlushJob(params UsageFlushJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("usage store required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultUsageBatchSize
	}
	grace := params.SettleGrace
	if grace <= 0 {
		grace = defaultUsageSettleGrace
	}
	return &usageFlushJob{
		logg:    params.Logger,
		db:      params.DB,
		store:   params.Store,
		ledger:  params.Ledger,
		metrics: params.Metrics,
		batch:   batch,
		grace:   grace,
		now:     time.Now,
	}, nil
}

type usageFlushJob struct {
	logg    *logger.Logger
	db      txRunner
	store   balance.UsageLog
	ledger  ledger.Service
	metrics *metrics.RuntimeMetrics
	batch   int
	grace   time.Duration
	now     func() time.Time
}

func (j *usageFlushJob) Name() string { return "usage-flush" }

func (j *usageFlushJob) Run(ctx context.Context) error {
	tenants, err := j.store.UsageTenants(ctx)
	if err != nil {
		return fmt.Errorf("list usage tenants: %w", err)
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
	j.metrics.AddFlushed("usage", flushed)
	if flushed > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"tenants":       len(tenants),
			"rows_flushed":  flushed,
			"tenant_errors": len(multierr.Errors(errs)),
		}), "usage flush complete")
	}
	return errs
}

func (j *usageFlushJob) flushTenant(ctx context.Context, tenant string) (int, error) {
	flushed := 0
	for i := 0; i < maxBatchesPerTenant; i++ {
		pending, err := j.store.PendingUsage(ctx, tenant, j.batch)
		if err != nil {
			return flushed, fmt.Errorf("read usage: %w", err)
		}
		settled := j.settle(pending)
		if len(settled) == 0 {
			return flushed, nil
		}

		err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
			_, err := j.ledger.WithTx(tx).PersistUsage(ctx, settled)
			return err
		})
		if err != nil {
			return flushed, fmt.Errorf("persist usage: %w", err)
		}

		ids := make([]string, len(settled))
		for k, s := range settled {
			ids[k] = s.Record.ID
		}
		if err := j.store.AckUsage(ctx, tenant, ids); err != nil {
			if errors.Is(err, balance.ErrUsageAckMismatch) {
				// rows are in the ledger already; the next cycle re-reads the head
				// and the inserts collapse on the primary key.
				j.logg.Warn(j.logg.WithTenantID(ctx, tenant), "usage queue head moved during flush")
			}
			return flushed, fmt.Errorf("ack usage: %w", err)
		}
		flushed += len(settled)

		if len(settled) < len(pending) || len(pending) < j.batch {
			return flushed, nil
		}
	}
	return flushed, nil
}

// settle returns the longest prefix of pending whose payment outcome is
// final. A record without a charge marker is unpaid once it is older than
// the grace period; a younger one may still be waiting on its debit.
func (j *usageFlushJob) settle(pending []balance.PendingUsage) []ledger.SettledUsage {
	cutoff := j.now().Add(-j.grace)
	settled := make([]ledger.SettledUsage, 0, len(pending))
	for _, p := range pending {
		switch {
		case p.Charged:
			settled = append(settled, ledger.SettledUsage{Record: p.Record, Status: enums.UsageStatusCharged})
		case !p.Record.Timestamp.After(cutoff):
			settled = append(settled, ledger.SettledUsage{Record: p.Record, Status: enums.UsageStatusUnpaid})
		default:
			return settled
		}
	}
	return settled
}
