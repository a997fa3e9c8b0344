package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/pkg/breaker"
)

// ErrUnavailable marks fast-store calls that failed for infrastructure
// reasons: the breaker was open, the call timed out or the store errored.
var ErrUnavailable = errors.New("balance store unavailable")

// Guarded routes every Store call through a circuit breaker.
type Guarded struct {
	store Store
	cb    *breaker.Breaker
}

// NewGuarded wraps store. Refused debits and out-of-range amounts count as
// healthy calls so one tenant's bad input never trips the breaker for others.
func NewGuarded(store Store, s breaker.Settings) *Guarded {
	prev := s.IsSuccessful
	s.IsSuccessful = func(err error) bool {
		if isCallerError(err) {
			return true
		}
		return prev != nil && prev(err)
	}
	if s.Name == "" {
		s.Name = "balance-store"
	}
	return &Guarded{store: store, cb: breaker.New(s)}
}

// Breaker exposes the underlying breaker for state reporting.
func (g *Guarded) Breaker() *breaker.Breaker {
	return g.cb
}

func (g *Guarded) Debit(ctx context.Context, m Mutation) (Result, error) {
	return g.mutate(ctx, m, g.store.Debit)
}

func (g *Guarded) Credit(ctx context.Context, m Mutation) (Result, error) {
	return g.mutate(ctx, m, g.store.Credit)
}

func (g *Guarded) mutate(ctx context.Context, m Mutation, fn func(context.Context, Mutation) (Result, error)) (Result, error) {
	var refused Result
	res, err := breaker.Execute(ctx, g.cb, func(ctx context.Context) (Result, error) {
		res, err := fn(ctx, m)
		if errors.Is(err, ErrInsufficientCredits) {
			refused = res
		}
		return res, err
	})
	if errors.Is(err, ErrInsufficientCredits) {
		return refused, err
	}
	if errors.Is(err, ErrAmountOutOfRange) {
		return res, err
	}
	return res, unavailable(err)
}

func (g *Guarded) Balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	bal, err := breaker.Execute(ctx, g.cb, func(ctx context.Context) (decimal.Decimal, error) {
		return g.store.Balance(ctx, tenantID)
	})
	return bal, unavailable(err)
}

func (g *Guarded) SetBalance(ctx context.Context, tenantID string, amount decimal.Decimal) error {
	err := breaker.Do(ctx, g.cb, func(ctx context.Context) error {
		return g.store.SetBalance(ctx, tenantID, amount)
	})
	if errors.Is(err, ErrAmountOutOfRange) {
		return err
	}
	return unavailable(err)
}

func (g *Guarded) History(ctx context.Context, tenantID string, limit, offset int) ([]Transaction, error) {
	txs, err := breaker.Execute(ctx, g.cb, func(ctx context.Context) ([]Transaction, error) {
		return g.store.History(ctx, tenantID, limit, offset)
	})
	return txs, unavailable(err)
}

func (g *Guarded) HistoryWindow(ctx context.Context, tenantID string) (LogWindow, error) {
	window, err := breaker.Execute(ctx, g.cb, func(ctx context.Context) (LogWindow, error) {
		return g.store.HistoryWindow(ctx, tenantID)
	})
	return window, unavailable(err)
}

func (g *Guarded) AppendUsage(ctx context.Context, record UsageRecord) error {
	return unavailable(breaker.Do(ctx, g.cb, func(ctx context.Context) error {
		return g.store.AppendUsage(ctx, record)
	}))
}

func (g *Guarded) UsageTenants(ctx context.Context) ([]string, error) {
	ids, err := breaker.Execute(ctx, g.cb, g.store.UsageTenants)
	return ids, unavailable(err)
}

func (g *Guarded) TransactionTenants(ctx context.Context) ([]string, error) {
	ids, err := breaker.Execute(ctx, g.cb, g.store.TransactionTenants)
	return ids, unavailable(err)
}

func (g *Guarded) PendingUsage(ctx context.Context, tenantID string, limit int) ([]PendingUsage, error) {
	pending, err := breaker.Execute(ctx, g.cb, func(ctx context.Context) ([]PendingUsage, error) {
		return g.store.PendingUsage(ctx, tenantID, limit)
	})
	return pending, unavailable(err)
}

func (g *Guarded) AckUsage(ctx context.Context, tenantID string, ids []string) error {
	err := breaker.Do(ctx, g.cb, func(ctx context.Context) error {
		return g.store.AckUsage(ctx, tenantID, ids)
	})
	if errors.Is(err, ErrUsageAckMismatch) {
		return err
	}
	return unavailable(err)
}

func (g *Guarded) UnflushedTransactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error) {
	txs, err := breaker.Execute(ctx, g.cb, func(ctx context.Context) ([]Transaction, error) {
		return g.store.UnflushedTransactions(ctx, tenantID, limit)
	})
	return txs, unavailable(err)
}

func (g *Guarded) MarkTransactionsFlushed(ctx context.Context, tenantID string, upTo int64, retain int) error {
	return unavailable(breaker.Do(ctx, g.cb, func(ctx context.Context) error {
		return g.store.MarkTransactionsFlushed(ctx, tenantID, upTo, retain)
	}))
}

func isCallerError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrAmountOutOfRange) ||
		errors.Is(err, ErrUsageAckMismatch)
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
