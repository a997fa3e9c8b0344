package metering

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/creditmeter/internal/alerts"
	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/dispatch"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/internal/pricing"
	"github.com/angelmondragon/creditmeter/pkg/breaker"
	"github.com/angelmondragon/creditmeter/pkg/db/models"
	pkgerrors "github.com/angelmondragon/creditmeter/pkg/errors"
	"github.com/angelmondragon/creditmeter/pkg/enums"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
)

type syncDispatcher struct {
	mu    sync.Mutex
	names []string
	errs  []error
}

func (d *syncDispatcher) Submit(ctx context.Context, name string, fn dispatch.Task) bool {
	err := fn(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = append(d.names, name)
	d.errs = append(d.errs, err)
	return true
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alerts.LowBalance
	err    error
}

func (n *fakeNotifier) NotifyLowBalance(_ context.Context, alert alerts.LowBalance) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

type fakeAdRevenue struct {
	events []*models.AdRevenueEvent
	err    error
}

func (f *fakeAdRevenue) InsertAdRevenueEvent(_ context.Context, event *models.AdRevenueEvent) error {
	f.events = append(f.events, event)
	return f.err
}

type fakeLedger struct {
	txs     []balance.Transaction
	usage   []ledger.UsageEntry
	summary ledger.UsageSummary
	err     error
	windows [][2]time.Time
}

func (l *fakeLedger) TransactionsBefore(_ context.Context, tenantID string, beforeSeq int64, limit, offset int) ([]balance.Transaction, error) {
	if l.err != nil {
		return nil, l.err
	}
	var older []balance.Transaction
	for i := len(l.txs) - 1; i >= 0; i-- {
		if tx := l.txs[i]; tx.TenantID == tenantID && tx.Sequence < beforeSeq {
			older = append(older, tx)
		}
	}
	if offset >= len(older) {
		return []balance.Transaction{}, nil
	}
	older = older[offset:]
	return older[:min(limit, len(older))], nil
}

func (l *fakeLedger) ListUsage(_ context.Context, _ string, limit, offset int) ([]ledger.UsageEntry, error) {
	if l.err != nil {
		return nil, l.err
	}
	if offset >= len(l.usage) {
		return []ledger.UsageEntry{}, nil
	}
	out := l.usage[offset:]
	return out[:min(limit, len(out))], nil
}

func (l *fakeLedger) UsageSummary(_ context.Context, tenantID string, from, to time.Time) (ledger.UsageSummary, error) {
	l.windows = append(l.windows, [2]time.Time{from, to})
	if l.err != nil {
		return ledger.UsageSummary{}, l.err
	}
	summary := l.summary
	summary.TenantID, summary.From, summary.To = tenantID, from, to
	return summary, nil
}

type fixture struct {
	svc        *Service
	store      *balance.MemoryStore
	dispatcher *syncDispatcher
	notifier   *fakeNotifier
	adRevenue  *fakeAdRevenue
	ledger     *fakeLedger
	registry   *prometheus.Registry
}

func newFixture(t *testing.T, threshold string) *fixture {
	t.Helper()
	store := balance.NewMemoryStore()
	return newFixtureWithStore(t, threshold, store, store)
}

func newFixtureWithStore(t *testing.T, threshold string, store Store, mem *balance.MemoryStore) *fixture {
	t.Helper()
	table, err := pricing.NewTable(nil)
	require.NoError(t, err)
	adRates, err := pricing.NewAdRates(nil)
	require.NoError(t, err)

	f := &fixture{
		store:      mem,
		dispatcher: &syncDispatcher{},
		notifier:   &fakeNotifier{},
		adRevenue:  &fakeAdRevenue{},
		ledger:     &fakeLedger{},
		registry:   prometheus.NewRegistry(),
	}
	f.svc, err = NewService(ServiceParams{
		Store:               store,
		Pricing:             table,
		AdRates:             adRates,
		Logger:              logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Metrics:             metrics.NewMeteringMetrics(f.registry),
		Dispatcher:          f.dispatcher,
		Notifier:            f.notifier,
		AdRevenue:           f.adRevenue,
		Ledger:              f.ledger,
		LowBalanceThreshold: decimal.RequireFromString(threshold),
	})
	require.NoError(t, err)
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestScenarioCreditThenCPUUsage(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	credit, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("25"), Source: "manual"})
	require.NoError(t, err)
	assert.True(t, credit.Balance.Equal(dec("25")))

	usage, err := f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "cpu", Amount: dec("1000"), Metadata: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.True(t, usage.Cost.Equal(dec("0.04")), "cost %s", usage.Cost)
	assert.True(t, usage.RemainingBalance.Equal(dec("24.96")), "balance %s", usage.RemainingBalance)
	assert.NotEmpty(t, usage.UsageID)

	bal, err := f.svc.GetBalance(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("24.96")))

	pending, err := f.store.PendingUsage(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Charged)
	assert.Equal(t, usage.UsageID, pending[0].Record.ID)
}

func TestScenarioInsufficientCreditsKeepsBalance(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1.00")})
	require.NoError(t, err)

	_, err = f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "ollama_token", Amount: dec("200000")})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficientCredits, typed.Code())
	assert.Equal(t, map[string]string{"balance": "1", "required": "2"}, typed.Details())

	bal, err := f.svc.GetBalance(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("1")))

	// The attempted usage stays queued without a charge marker.
	pending, err := f.store.PendingUsage(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Charged)
	assert.True(t, pending[0].Record.Cost.Equal(dec("2")))
}

func TestScenarioAdRevenueCredits(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("3")})
	require.NoError(t, err)

	res, err := f.svc.ProcessAdRevenue(ctx, AdRevenueInput{TenantID: "acme", AdType: "video_ad_view", Count: 50, Metadata: json.RawMessage(`{"campaign":"c1"}`)})
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(dec("0.5")))
	assert.True(t, res.Balance.Equal(dec("3.5")))

	history, err := f.svc.GetTransactionHistory(ctx, "acme", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, enums.TransactionTypeCredit, history[0].Type)
	assert.Equal(t, SourceAdRevenue, history[0].Source)
	assert.Equal(t, "video_ad_view", history[0].Reference)
	assert.True(t, history[0].Amount.Equal(dec("0.5")))

	require.Len(t, f.adRevenue.events, 1)
	event := f.adRevenue.events[0]
	assert.Equal(t, "acme", event.TenantID)
	assert.Equal(t, int64(50), event.Count)
	assert.True(t, event.Rate.Equal(dec("0.01")))
	assert.Equal(t, res.TransactionID, event.TransactionID.String())
}

func TestAdRevenueAuditFailureDoesNotFailCredit(t *testing.T) {
	f := newFixture(t, "0")
	f.adRevenue.err = errors.New("db down")

	res, err := f.svc.ProcessAdRevenue(context.Background(), AdRevenueInput{TenantID: "acme", AdType: "banner_click", Count: 2})
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(dec("0.01")))
	require.Len(t, f.dispatcher.errs, 1)
	assert.Error(t, f.dispatcher.errs[0])
}

func TestInvalidAdTypeRejected(t *testing.T) {
	f := newFixture(t, "0")
	_, err := f.svc.ProcessAdRevenue(context.Background(), AdRevenueInput{TenantID: "acme", AdType: "popup", Count: 1})
	require.ErrorIs(t, err, ErrInvalidAdType)
	assert.Equal(t, http.StatusUnprocessableEntity, pkgerrors.MetadataFor(pkgerrors.As(err).Code()).HTTPStatus)

	_, err = f.svc.ProcessAdRevenue(context.Background(), AdRevenueInput{TenantID: "acme", AdType: "video_ad_view", Count: 0})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}

func TestUnknownResourceTypeRejectedBeforeAnyWrite(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "gpu", Amount: dec("1")})
	require.ErrorIs(t, err, ErrUnknownResourceType)
	assert.Equal(t, pkgerrors.CodeUnknownResourceType, pkgerrors.As(err).Code())

	pending, err := f.store.PendingUsage(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestZeroAmountUsageIsFree(t *testing.T) {
	f := newFixture(t, "0")
	res, err := f.svc.RecordUsage(context.Background(), RecordUsageInput{TenantID: "acme", ResourceType: "api_call", Amount: decimal.Zero})
	require.NoError(t, err)
	assert.True(t, res.Cost.IsZero())
	assert.True(t, res.RemainingBalance.IsZero())
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"empty tenant", func() error {
			_, err := f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "  ", ResourceType: "cpu", Amount: dec("1")})
			return err
		}},
		{"braces in tenant", func() error {
			_, err := f.svc.GetBalance(ctx, "a{b}")
			return err
		}},
		{"negative usage", func() error {
			_, err := f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "cpu", Amount: dec("-1")})
			return err
		}},
		{"bad metadata", func() error {
			_, err := f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "cpu", Amount: dec("1"), Metadata: json.RawMessage(`{`)})
			return err
		}},
		{"zero credit", func() error {
			_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: decimal.Zero})
			return err
		}},
		{"sub-unit credit", func() error {
			_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("0.000000001")})
			return err
		}},
		{"negative offset", func() error {
			_, err := f.svc.GetTransactionHistory(ctx, "acme", 10, -1)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			typed := pkgerrors.As(err)
			require.NotNil(t, typed)
			assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
		})
	}
}

func TestAddCreditsDefaultsSourceToManual(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: " acme ", Amount: dec("5"), Reference: "ticket-9"})
	require.NoError(t, err)
	history, err := f.svc.GetTransactionHistory(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, SourceManual, history[0].Source)
	assert.Equal(t, "ticket-9", history[0].Reference)
}

func TestHistoryLimitIsCapped(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	for i := 0; i < MaxHistoryLimit+5; i++ {
		_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1")})
		require.NoError(t, err)
	}
	history, err := f.svc.GetTransactionHistory(ctx, "acme", 1000, 0)
	require.NoError(t, err)
	assert.Len(t, history, MaxHistoryLimit)

	history, err = f.svc.GetTransactionHistory(ctx, "acme", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, DefaultHistoryLimit)
}

func TestLowBalanceAlertDispatched(t *testing.T) {
	f := newFixture(t, "5")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("5.05")})
	require.NoError(t, err)

	_, err = f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "bandwidth_gb", Amount: dec("0.5")})
	require.NoError(t, err)
	assert.Empty(t, f.notifier.alerts, "balance 5.025 is above threshold")

	_, err = f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "bandwidth_gb", Amount: dec("1")})
	require.NoError(t, err)
	require.Len(t, f.notifier.alerts, 1)
	alert := f.notifier.alerts[0]
	assert.Equal(t, "acme", alert.TenantID)
	assert.True(t, alert.RemainingBalance.Equal(dec("4.975")))
	assert.True(t, alert.Threshold.Equal(dec("5")))
}

func TestAlertFailureNeverFailsUsage(t *testing.T) {
	f := newFixture(t, "100")
	f.notifier.err = errors.New("webhook down")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1")})
	require.NoError(t, err)

	_, err = f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "api_call", Amount: dec("1")})
	require.NoError(t, err)
	require.Len(t, f.dispatcher.errs, 1)
	assert.Error(t, f.dispatcher.errs[0])
}

func TestPricingRoundTripMatchesStoredCost(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1000")})
	require.NoError(t, err)

	amounts := []string{"1", "3.3333333", "0.123456789", "98765.4321"}
	for _, raw := range amounts {
		_, err := f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "memory", Amount: dec(raw)})
		require.NoError(t, err)
	}
	pending, err := f.store.PendingUsage(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, pending, len(amounts))
	for _, p := range pending {
		recomputed, err := f.svc.pricing.Cost(p.Record.ResourceType, p.Record.Amount)
		require.NoError(t, err)
		assert.True(t, recomputed.Equal(p.Record.Cost), "recomputed %s stored %s", recomputed, p.Record.Cost)
	}
}

func TestConcurrentUsageNeverOverdraws(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1")})
	require.NoError(t, err)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		succeeded  int
		refused    int
		unexpected []error
	)
	// 0.1 per call: exactly ten calls fit.
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "session_minute", Amount: dec("100")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientCredits):
				refused++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()
	require.Empty(t, unexpected)
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 20, refused)

	bal, err := f.svc.GetBalance(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

type brokenStore struct {
	*balance.MemoryStore
	mu    sync.Mutex
	calls int
}

func (b *brokenStore) hit() error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return errors.New("dial tcp: connection refused")
}

func (b *brokenStore) Credit(context.Context, balance.Mutation) (balance.Result, error) {
	return balance.Result{}, b.hit()
}

func (b *brokenStore) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, b.hit()
}

func (b *brokenStore) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestScenarioBreakerFailsFast(t *testing.T) {
	broken := &brokenStore{MemoryStore: balance.NewMemoryStore()}
	guarded := balance.NewGuarded(broken, breaker.Settings{
		Timeout:      100 * time.Millisecond,
		Window:       time.Minute,
		FailureRatio: 0.5,
		MinRequests:  3,
		Cooldown:     50 * time.Millisecond,
	})
	f := newFixtureWithStore(t, "0", guarded, broken.MemoryStore)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1")})
		require.ErrorIs(t, err, ErrStoreUnavailable)
		assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
	}
	require.Equal(t, 3, broken.count())

	_, err := f.svc.GetBalance(ctx, "acme")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.True(t, pkgerrors.IsRetryable(err))
	assert.Equal(t, 3, broken.count(), "open breaker must not contact the store")

	time.Sleep(80 * time.Millisecond)

	// One trial call goes through after the cooldown; it fails and reopens.
	_, err = f.svc.GetBalance(ctx, "acme")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 4, broken.count())

	_, err = f.svc.GetBalance(ctx, "acme")
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 4, broken.count())
}

func TestNewServiceValidatesParams(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

// counterValue sums the series of name whose labels match.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metric
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestOversizedAmountsAreValidationErrors(t *testing.T) {
	store := balance.NewMemoryStore()
	guarded := balance.NewGuarded(store, breaker.Settings{
		Timeout:      100 * time.Millisecond,
		Window:       time.Minute,
		FailureRatio: 0.5,
		MinRequests:  3,
		Cooldown:     time.Hour,
	})
	f := newFixtureWithStore(t, "0", guarded, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "mallory", Amount: dec("100000000000")})
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
		assert.False(t, pkgerrors.IsRetryable(err))
	}

	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "mallory", Amount: dec("1")})
	require.NoError(t, err)
	_, err = f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "mallory", ResourceType: "cpu", Amount: dec("1e16")})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	pending, err := store.PendingUsage(ctx, "mallory", 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected usage must not be queued")

	_, err = f.svc.GetBalance(ctx, "victim")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, guarded.Breaker().State())
	assert.Equal(t, 4.0, counterValue(t, f.registry, "creditmeter_errors_total", map[string]string{"kind": "out_of_range"}))
}

func TestCreditThatWouldOverflowBalanceIsRejected(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("90000000000")})
	require.NoError(t, err)

	_, err = f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("90000000000")})
	require.ErrorIs(t, err, ErrAmountOutOfRange)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	bal, err := f.svc.GetBalance(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("90000000000")))
}

func TestHistoryContinuesPastCompactedLog(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	var all []balance.Transaction
	for i := 1; i <= 5; i++ {
		res, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: decimal.NewFromInt(int64(i))})
		require.NoError(t, err)
		history, err := f.store.History(ctx, "acme", 1, 0)
		require.NoError(t, err)
		require.Equal(t, res.TransactionID, history[0].ID)
		all = append(all, history[0])
	}
	// Everything is flushed; the fast log keeps only the newest two.
	f.ledger.txs = all
	require.NoError(t, f.store.MarkTransactionsFlushed(ctx, "acme", all[4].Sequence, 2))

	sequences := func(txs []balance.Transaction) []int64 {
		out := make([]int64, 0, len(txs))
		for _, tx := range txs {
			out = append(out, tx.Sequence)
		}
		return out
	}

	history, err := f.svc.GetTransactionHistory(ctx, "acme", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{all[4].Sequence, all[3].Sequence, all[2].Sequence, all[1].Sequence, all[0].Sequence}, sequences(history))

	history, err = f.svc.GetTransactionHistory(ctx, "acme", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{all[2].Sequence, all[1].Sequence}, sequences(history))

	history, err = f.svc.GetTransactionHistory(ctx, "acme", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{all[0].Sequence}, sequences(history))

	history, err = f.svc.GetTransactionHistory(ctx, "acme", 2, 6)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHistoryLedgerFailureIsDependencyError(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1")})
	require.NoError(t, err)
	f.ledger.err = errors.New("db down")

	_, err = f.svc.GetTransactionHistory(ctx, "acme", 10, 0)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())

	// A full page never touches the ledger.
	history, err := f.svc.GetTransactionHistory(ctx, "acme", 1, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestUsageReadsComeFromLedger(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.ledger.usage = []ledger.UsageEntry{
		{ID: "u-2", ResourceType: "cpu", Cost: dec("0.04"), Status: enums.UsageStatusUnpaid},
		{ID: "u-1", ResourceType: "cpu", Cost: dec("0.04"), Status: enums.UsageStatusCharged},
	}
	f.ledger.summary = ledger.UsageSummary{Billable: dec("0.04")}

	entries, err := f.svc.ListUsage(ctx, "acme", 1, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u-1", entries[0].ID)

	_, err = f.svc.ListUsage(ctx, "acme", 10, -1)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	summary, err := f.svc.GetUsageSummary(ctx, "acme", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, summary.Billable.Equal(dec("0.04")))
	require.Len(t, f.ledger.windows, 1)
	assert.Equal(t, [2]time.Time{now.Add(-30 * 24 * time.Hour), now}, f.ledger.windows[0])

	_, err = f.svc.GetUsageSummary(ctx, "acme", now, now.Add(-time.Hour))
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	f.ledger.err = errors.New("db down")
	_, err = f.svc.GetUsageSummary(ctx, "acme", time.Time{}, now)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestLowBalanceAlertCountedByOutcome(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	_, err := f.svc.AddCredits(ctx, AddCreditsInput{TenantID: "acme", Amount: dec("1")})
	require.NoError(t, err)

	_, err = f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "api_call", Amount: dec("1")})
	require.NoError(t, err)
	f.notifier.err = errors.New("webhook down")
	_, err = f.svc.RecordUsage(ctx, RecordUsageInput{TenantID: "acme", ResourceType: "api_call", Amount: dec("1")})
	require.NoError(t, err)

	alertsTotal := "creditmeter_low_balance_alerts_total"
	assert.Equal(t, 1.0, counterValue(t, f.registry, alertsTotal, map[string]string{"status": metrics.AlertSent}))
	assert.Equal(t, 1.0, counterValue(t, f.registry, alertsTotal, map[string]string{"status": metrics.AlertFailed}))
}
