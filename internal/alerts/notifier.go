// Package alerts delivers low balance notifications.
package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/angelmondragon/creditmeter/pkg/logger"
)

// ErrSuppressed is returned when an alert falls inside the tenant's cooldown.
var ErrSuppressed = errors.New("alert suppressed by cooldown")

// LowBalance is the alert payload.
type LowBalance struct {
	TenantID         string          `json:"tenantId"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	Threshold        decimal.Decimal `json:"threshold"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Notifier delivers a low balance alert.
type Notifier interface {
	NotifyLowBalance(ctx context.Context, alert LowBalance) error
}

// LogNotifier writes the alert to the structured log.
type LogNotifier struct {
	logg *logger.Logger
}

func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) NotifyLowBalance(ctx context.Context, alert LowBalance) error {
	if n == nil || n.logg == nil {
		return nil
	}
	ctx = n.logg.WithTenantID(ctx, alert.TenantID)
	ctx = n.logg.WithFields(ctx, map[string]any{
		"event":             "alert.low_balance",
		"remaining_balance": alert.RemainingBalance.String(),
		"threshold":         alert.Threshold.String(),
	})
	n.logg.Warn(ctx, "tenant balance below threshold")
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyLowBalance(ctx context.Context, alert LowBalance) error {
	var errs error
	for _, n := range m {
		if n == nil {
			continue
		}
		errs = multierr.Append(errs, n.NotifyLowBalance(ctx, alert))
	}
	return errs
}
