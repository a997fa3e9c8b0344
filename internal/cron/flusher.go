package cron

import (
	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
)

// FlushRegistryParams wires the write-behind jobs.
type FlushRegistryParams struct {
	Logger  *logger.Logger
	DB      txRunner
	Store   balance.Store
	Ledger  ledger.Service
	Metrics *metrics.RuntimeMetrics
	Config  config.FlusherConfig
}

// NewFlushRegistry returns the usage and transaction flush jobs in the order
// they run each cycle.
func NewFlushRegistry(params FlushRegistryParams) (*Registry, error) {
	usageJob, err := NewUsageFlushJob(UsageFlushJobParams{
		Logger:      params.Logger,
		DB:          params.DB,
		Store:       params.Store,
		Ledger:      params.Ledger,
		Metrics:     params.Metrics,
		BatchSize:   params.Config.UsageBatchSize,
		SettleGrace: params.Config.UsageSettleGrace,
	})
	if err != nil {
		return nil, err
	}
	txJob, err := NewTransactionFlushJob(TransactionFlushJobParams{
		Logger:    params.Logger,
		DB:        params.DB,
		Store:     params.Store,
		Ledger:    params.Ledger,
		Metrics:   params.Metrics,
		BatchSize: params.Config.TxBatchSize,
		Retain:    params.Config.TxRetain,
	})
	if err != nil {
		return nil, err
	}
	return NewRegistry(usageJob, txJob), nil
}
