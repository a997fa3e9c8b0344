package balance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/pkg/enums"
)

type tenantState struct {
	mu        sync.Mutex
	units     int64
	txs       []Transaction
	watermark int64
	usage     []UsageRecord
	charged   map[string]struct{}
}

// MemoryStore is an in-process Store for development and tests. A mutex per
// tenant gives the same single-writer guarantee the Redis scripts give.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*tenantState),
		now:     time.Now,
	}
}

func (s *MemoryStore) tenant(tenantID string) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.tenants[tenantID]
	if !ok {
		state = &tenantState{charged: make(map[string]struct{})}
		s.tenants[tenantID] = state
	}
	return state
}

func (s *MemoryStore) lookup(tenantID string) (*tenantState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.tenants[tenantID]
	return state, ok
}

func (s *MemoryStore) Debit(ctx context.Context, m Mutation) (Result, error) {
	return s.mutate(ctx, enums.TransactionTypeDebit, m)
}

func (s *MemoryStore) Credit(ctx context.Context, m Mutation) (Result, error) {
	m.UsageID = ""
	return s.mutate(ctx, enums.TransactionTypeCredit, m)
}

func (s *MemoryStore) mutate(ctx context.Context, kind enums.TransactionType, m Mutation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if m.TenantID == "" {
		return Result{}, errors.New("tenant id required")
	}
	if m.Amount.IsNegative() {
		return Result{}, fmt.Errorf("negative %s amount %s", kind, m.Amount)
	}
	units, err := ToUnits(m.Amount)
	if err != nil {
		return Result{}, err
	}

	state := s.tenant(m.TenantID)
	state.mu.Lock()
	defer state.mu.Unlock()

	after := state.units
	if kind == enums.TransactionTypeDebit {
		after -= units
		if after < 0 && units > 0 {
			return Result{Balance: FromUnits(state.units)}, ErrInsufficientCredits
		}
	} else {
		if units > math.MaxInt64-after {
			return Result{Balance: FromUnits(state.units)}, fmt.Errorf("%w: balance %s plus %s", ErrAmountOutOfRange, FromUnits(state.units), FromUnits(units))
		}
		after += units
	}
	state.units = after

	seq := s.now().UnixMilli()
	if n := len(state.txs); n > 0 && state.txs[n-1].Sequence >= seq {
		seq = state.txs[n-1].Sequence + 1
	}
	tx := Transaction{
		ID:           uuid.NewString(),
		TenantID:     m.TenantID,
		Type:         kind,
		Amount:       FromUnits(units),
		BalanceAfter: FromUnits(after),
		Timestamp:    time.UnixMilli(seq).UTC(),
		Source:       m.Source,
		Reference:    m.Reference,
		Sequence:     seq,
	}
	state.txs = append(state.txs, tx)
	if kind == enums.TransactionTypeDebit && m.UsageID != "" {
		state.charged[m.UsageID] = struct{}{}
	}
	return Result{Balance: tx.BalanceAfter, Transaction: tx}, nil
}

func (s *MemoryStore) Balance(_ context.Context, tenantID string) (decimal.Decimal, error) {
	state, ok := s.lookup(tenantID)
	if !ok {
		return decimal.Zero, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return FromUnits(state.units), nil
}

func (s *MemoryStore) SetBalance(_ context.Context, tenantID string, amount decimal.Decimal) error {
	units, err := ToUnits(amount)
	if err != nil {
		return err
	}
	state := s.tenant(tenantID)
	state.mu.Lock()
	state.units = units
	state.mu.Unlock()
	return nil
}

func (s *MemoryStore) History(_ context.Context, tenantID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		return []Transaction{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	state, ok := s.lookup(tenantID)
	if !ok {
		return []Transaction{}, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	out := make([]Transaction, 0, limit)
	for i := len(state.txs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, state.txs[i])
	}
	return out, nil
}

func (s *MemoryStore) HistoryWindow(_ context.Context, tenantID string) (LogWindow, error) {
	state, ok := s.lookup(tenantID)
	if !ok {
		return LogWindow{}, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.txs) == 0 {
		return LogWindow{}, nil
	}
	return LogWindow{Entries: len(state.txs), Oldest: state.txs[0].Sequence}, nil
}

func (s *MemoryStore) AppendUsage(_ context.Context, record UsageRecord) error {
	if record.TenantID == "" {
		return errors.New("tenant id required")
	}
	state := s.tenant(record.TenantID)
	state.mu.Lock()
	state.usage = append(state.usage, record)
	state.mu.Unlock()
	return nil
}

func (s *MemoryStore) UsageTenants(_ context.Context) ([]string, error) {
	return s.tenantsWhere(func(state *tenantState) bool { return len(state.usage) > 0 }), nil
}

func (s *MemoryStore) TransactionTenants(_ context.Context) ([]string, error) {
	return s.tenantsWhere(func(state *tenantState) bool { return len(state.txs) > 0 }), nil
}

func (s *MemoryStore) tenantsWhere(match func(*tenantState) bool) []string {
	s.mu.Lock()
	states := make(map[string]*tenantState, len(s.tenants))
	for id, state := range s.tenants {
		states[id] = state
	}
	s.mu.Unlock()

	out := make([]string, 0, len(states))
	for id, state := range states {
		state.mu.Lock()
		ok := match(state)
		state.mu.Unlock()
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) PendingUsage(_ context.Context, tenantID string, limit int) ([]PendingUsage, error) {
	if limit <= 0 {
		return nil, nil
	}
	state, ok := s.lookup(tenantID)
	if !ok {
		return nil, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	n := min(limit, len(state.usage))
	if n == 0 {
		return nil, nil
	}
	out := make([]PendingUsage, n)
	for i := 0; i < n; i++ {
		record := state.usage[i]
		_, charged := state.charged[record.ID]
		out[i] = PendingUsage{Record: record, Charged: charged}
	}
	return out, nil
}

func (s *MemoryStore) AckUsage(_ context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	state, ok := s.lookup(tenantID)
	if !ok {
		return ErrUsageAckMismatch
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if len(state.usage) < len(ids) {
		return ErrUsageAckMismatch
	}
	for i, id := range ids {
		if state.usage[i].ID != id {
			return ErrUsageAckMismatch
		}
	}
	state.usage = append([]UsageRecord(nil), state.usage[len(ids):]...)
	for _, id := range ids {
		delete(state.charged, id)
	}
	return nil
}

func (s *MemoryStore) UnflushedTransactions(_ context.Context, tenantID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	state, ok := s.lookup(tenantID)
	if !ok {
		return nil, nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	var out []Transaction
	for _, tx := range state.txs {
		if tx.Sequence <= state.watermark {
			continue
		}
		out = append(out, tx)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkTransactionsFlushed(_ context.Context, tenantID string, upTo int64, retain int) error {
	state, ok := s.lookup(tenantID)
	if !ok {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if upTo > state.watermark {
		state.watermark = upTo
	}
	if retain < 0 {
		retain = 0
	}
	excess := len(state.txs) - retain
	if excess <= 0 {
		return nil
	}
	flushed := 0
	for _, tx := range state.txs {
		if tx.Sequence > state.watermark {
			break
		}
		flushed++
	}
	if n := min(excess, flushed); n > 0 {
		state.txs = append([]Transaction(nil), state.txs[n:]...)
	}
	return nil
}
