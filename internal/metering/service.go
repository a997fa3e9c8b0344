package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/internal/alerts"
	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/dispatch"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/internal/pricing"
	"github.com/angelmondragon/creditmeter/pkg/db/models"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
	"github.com/angelmondragon/creditmeter/pkg/pagination"
)

const (
	SourceManual    = "manual"
	SourceAdRevenue = "ad_revenue"

	DefaultHistoryLimit = pagination.DefaultLimit
	MaxHistoryLimit     = pagination.MaxLimit

	maxTenantIDLength = 128

	defaultSummaryWindow = 30 * 24 * time.Hour

	taskLowBalanceAlert = "low_balance_alert"
	taskAdRevenueAudit  = "ad_revenue_audit"
)

// Store is the fast-store surface the engine needs.
type Store interface {
	balance.AtomicStore
	AppendUsage(ctx context.Context, record balance.UsageRecord) error
}

// Dispatcher runs best-effort side tasks without blocking the caller.
type Dispatcher interface {
	Submit(ctx context.Context, name string, fn dispatch.Task) bool
}

// AdRevenueRecorder persists ad revenue audit rows.
type AdRevenueRecorder interface {
	InsertAdRevenueEvent(ctx context.Context, event *models.AdRevenueEvent) error
}

// LedgerReader serves reads from the durable ledger.
type LedgerReader interface {
	TransactionsBefore(ctx context.Context, tenantID string, beforeSeq int64, limit, offset int) ([]balance.Transaction, error)
	ListUsage(ctx context.Context, tenantID string, limit, offset int) ([]ledger.UsageEntry, error)
	UsageSummary(ctx context.Context, tenantID string, from, to time.Time) (ledger.UsageSummary, error)
}

// ServiceParams groups dependencies for the metering service.
type ServiceParams struct {
	Store               Store
	Pricing             *pricing.Table
	AdRates             *pricing.AdRates
	Logger              *logger.Logger
	Metrics             *metrics.MeteringMetrics
	Dispatcher          Dispatcher
	Notifier            alerts.Notifier
	AdRevenue           AdRevenueRecorder
	Ledger              LedgerReader
	LowBalanceThreshold decimal.Decimal
}

// Service is the metering engine: it prices usage, debits and credits
// balances and records what happened.
type Service struct {
	store      Store
	pricing    *pricing.Table
	adRates    *pricing.AdRates
	logg       *logger.Logger
	metrics    *metrics.MeteringMetrics
	dispatcher Dispatcher
	notifier   alerts.Notifier
	adRevenue  AdRevenueRecorder
	ledger     LedgerReader
	threshold  decimal.Decimal
	now        func() time.Time
}

// NewService builds a metering service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Pricing == nil {
		return nil, errors.New("pricing table is required")
	}
	if params.AdRates == nil {
		return nil, errors.New("ad rates are required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.LowBalanceThreshold.IsNegative() {
		return nil, errors.New("low balance threshold must not be negative")
	}
	return &Service{
		store:      params.Store,
		pricing:    params.Pricing,
		adRates:    params.AdRates,
		logg:       params.Logger,
		metrics:    params.Metrics,
		dispatcher: params.Dispatcher,
		notifier:   params.Notifier,
		adRevenue:  params.AdRevenue,
		ledger:     params.Ledger,
		threshold:  params.LowBalanceThreshold,
		now:        time.Now,
	}, nil
}

// RecordUsageInput describes one metered event.
type RecordUsageInput struct {
	TenantID     string
	ResourceType string
	Amount       decimal.Decimal
	Metadata     json.RawMessage
}

// UsageResult is returned after a successful debit.
type UsageResult struct {
	UsageID          string          `json:"usageId"`
	Cost             decimal.Decimal `json:"cost"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
}

// RecordUsage prices the event, appends it to the usage log and debits its
// cost. A refused debit leaves the usage record in place; the flusher
// persists it as unpaid.
func (s *Service) RecordUsage(ctx context.Context, input RecordUsageInput) (*UsageResult, error) {
	const op = "record_usage"
	tenantID, err := normalizeTenant(input.TenantID)
	if err != nil {
		return nil, err
	}
	resourceType := strings.ToLower(strings.TrimSpace(input.ResourceType))
	if input.Amount.IsNegative() {
		return nil, validationError("amount must not be negative")
	}
	if err := validateMetadata(input.Metadata); err != nil {
		return nil, err
	}
	ctx = s.logg.WithTenantID(ctx, tenantID)

	cost, err := s.pricing.Cost(resourceType, input.Amount)
	if err != nil {
		s.logg.Debug(s.logg.WithField(ctx, "resource_type", resourceType), "usage rejected by pricing")
		return nil, pricingError(err)
	}
	if _, err := balance.ToUnits(cost); err != nil {
		s.metrics.IncError(op, "out_of_range")
		return nil, validationError("usage cost %s exceeds the supported range", cost)
	}

	record := balance.UsageRecord{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ResourceType: resourceType,
		Amount:       input.Amount,
		Cost:         cost,
		Metadata:     input.Metadata,
		Timestamp:    s.now().UTC(),
	}
	if err := s.store.AppendUsage(ctx, record); err != nil {
		s.metrics.ObserveDeduction(tenantID, resourceType, metrics.StatusError, cost)
		return nil, s.storeFailure(ctx, op, err)
	}

	res, err := s.store.Debit(ctx, balance.Mutation{
		TenantID:  tenantID,
		Amount:    cost,
		Source:    resourceType,
		Reference: record.ID,
		UsageID:   record.ID,
	})
	if errors.Is(err, balance.ErrInsufficientCredits) {
		s.metrics.ObserveDeduction(tenantID, resourceType, metrics.StatusInsufficient, cost)
		s.metrics.SetBalance(tenantID, res.Balance)
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"usage_id": record.ID,
			"cost":     cost.String(),
			"balance":  res.Balance.String(),
		}), "usage debit refused: insufficient credits")
		return nil, insufficientError(res.Balance.String(), cost.String())
	}
	if errors.Is(err, balance.ErrAmountOutOfRange) {
		s.metrics.IncError(op, "out_of_range")
		return nil, rangeError(err)
	}
	if err != nil {
		s.metrics.ObserveDeduction(tenantID, resourceType, metrics.StatusError, cost)
		return nil, s.storeFailure(ctx, op, err)
	}

	s.metrics.ObserveDeduction(tenantID, resourceType, metrics.StatusSuccess, cost)
	s.metrics.SetBalance(tenantID, res.Balance)
	s.maybeAlert(ctx, tenantID, res.Balance)

	return &UsageResult{
		UsageID:          record.ID,
		Cost:             cost,
		RemainingBalance: res.Balance,
	}, nil
}

// AddCreditsInput describes a credit top-up.
type AddCreditsInput struct {
	TenantID  string
	Amount    decimal.Decimal
	Source    string
	Reference string
}

// CreditResult is returned after a committed credit.
type CreditResult struct {
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
}

// AddCredits increments the tenant balance. There is no upper bound.
func (s *Service) AddCredits(ctx context.Context, input AddCreditsInput) (*CreditResult, error) {
	return s.addCredits(ctx, "add_credits", input)
}

func (s *Service) addCredits(ctx context.Context, op string, input AddCreditsInput) (*CreditResult, error) {
	tenantID, err := normalizeTenant(input.TenantID)
	if err != nil {
		return nil, err
	}
	amount := input.Amount.Truncate(pricing.Precision)
	if !amount.IsPositive() {
		return nil, validationError("amount must be greater than zero")
	}
	if _, err := balance.ToUnits(amount); err != nil {
		s.metrics.IncError(op, "out_of_range")
		return nil, validationError("amount %s exceeds the supported range", amount)
	}
	source := strings.TrimSpace(input.Source)
	if source == "" {
		source = SourceManual
	}
	ctx = s.logg.WithTenantID(ctx, tenantID)

	res, err := s.store.Credit(ctx, balance.Mutation{
		TenantID:  tenantID,
		Amount:    amount,
		Source:    source,
		Reference: strings.TrimSpace(input.Reference),
	})
	if errors.Is(err, balance.ErrAmountOutOfRange) {
		s.metrics.IncError(op, "out_of_range")
		s.logg.Info(s.logg.WithField(ctx, "amount", amount.String()), "credit refused: balance would overflow")
		return nil, rangeError(err)
	}
	if err != nil {
		return nil, s.storeFailure(ctx, op, err)
	}

	s.metrics.ObserveCredit(tenantID, source, amount)
	s.metrics.SetBalance(tenantID, res.Balance)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"source":  source,
		"amount":  amount.String(),
		"balance": res.Balance.String(),
	}), "credits added")

	return &CreditResult{
		TransactionID: res.Transaction.ID,
		Amount:        amount,
		Balance:       res.Balance,
	}, nil
}

// AdRevenueInput describes completed ad views or clicks to be credited.
type AdRevenueInput struct {
	TenantID string
	AdType   string
	Count    int64
	Metadata json.RawMessage
}

// ProcessAdRevenue credits rate × count for the ad type and records an audit
// row in the background.
func (s *Service) ProcessAdRevenue(ctx context.Context, input AdRevenueInput) (*CreditResult, error) {
	tenantID, err := normalizeTenant(input.TenantID)
	if err != nil {
		return nil, err
	}
	if input.Count <= 0 {
		return nil, validationError("count must be greater than zero")
	}
	if err := validateMetadata(input.Metadata); err != nil {
		return nil, err
	}
	adType := strings.ToLower(strings.TrimSpace(input.AdType))
	revenue, rate, err := s.adRates.Revenue(adType, input.Count)
	if err != nil {
		s.logg.Debug(s.logg.WithField(s.logg.WithTenantID(ctx, tenantID), "ad_type", adType), "ad revenue rejected")
		return nil, pricingError(err)
	}

	res, err := s.addCredits(ctx, "process_ad_revenue", AddCreditsInput{
		TenantID:  tenantID,
		Amount:    revenue,
		Source:    SourceAdRevenue,
		Reference: adType,
	})
	if err != nil {
		return nil, err
	}

	s.auditAdRevenue(ctx, &models.AdRevenueEvent{
		ID:            uuid.New(),
		TenantID:      tenantID,
		AdType:        adType,
		Count:         input.Count,
		Rate:          rate,
		Revenue:       res.Amount,
		TransactionID: uuid.MustParse(res.TransactionID),
		Metadata:      input.Metadata,
	})
	return res, nil
}

// GetBalance returns the current balance; unknown tenants have zero.
func (s *Service) GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := s.store.Balance(ctx, tenantID)
	if err != nil {
		return decimal.Zero, s.storeFailure(s.logg.WithTenantID(ctx, tenantID), "get_balance", err)
	}
	return bal, nil
}

// GetTransactionHistory returns up to limit transactions starting at offset,
// newest first. Pages reaching past the compacted fast log continue from the
// durable ledger.
func (s *Service) GetTransactionHistory(ctx context.Context, tenantID string, limit, offset int) ([]balance.Transaction, error) {
	const op = "get_transaction_history"
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}
	page, err := pagination.Normalize(pagination.Params{Limit: limit, Offset: offset})
	if err != nil {
		return nil, validationError("offset must not be negative")
	}
	ctx = s.logg.WithTenantID(ctx, tenantID)
	txs, err := s.store.History(ctx, tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, s.storeFailure(ctx, op, err)
	}
	if len(txs) == page.Limit || s.ledger == nil {
		return txs, nil
	}

	before, skip := int64(math.MaxInt64), page.Offset
	if n := len(txs); n > 0 {
		before, skip = txs[n-1].Sequence, 0
	} else {
		window, err := s.store.HistoryWindow(ctx, tenantID)
		if err != nil {
			return nil, s.storeFailure(ctx, op, err)
		}
		if window.Entries > 0 {
			before, skip = window.Oldest, max(page.Offset-window.Entries, 0)
		}
	}
	older, err := s.ledger.TransactionsBefore(ctx, tenantID, before, page.Limit-len(txs), skip)
	if err != nil {
		return nil, s.ledgerFailure(ctx, op, err)
	}
	return append(txs, older...), nil
}

// ListUsage pages through persisted usage records, newest first. Records
// still queued in the fast store appear once flushed.
func (s *Service) ListUsage(ctx context.Context, tenantID string, limit, offset int) ([]ledger.UsageEntry, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}
	page, err := pagination.Normalize(pagination.Params{Limit: limit, Offset: offset})
	if err != nil {
		return nil, validationError("offset must not be negative")
	}
	if s.ledger == nil {
		return nil, ledgerMissingError()
	}
	ctx = s.logg.WithTenantID(ctx, tenantID)
	entries, err := s.ledger.ListUsage(ctx, tenantID, page.Limit, page.Offset)
	if err != nil {
		return nil, s.ledgerFailure(ctx, "list_usage", err)
	}
	return entries, nil
}

// GetUsageSummary reports billable usage in [from, to) with the tenant's
// durable ledger totals. A zero to means now; a zero from means thirty days
// before to.
func (s *Service) GetUsageSummary(ctx context.Context, tenantID string, from, to time.Time) (*ledger.UsageSummary, error) {
	tenantID, err := normalizeTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-defaultSummaryWindow)
	}
	if !from.Before(to) {
		return nil, validationError("from must be before to")
	}
	if s.ledger == nil {
		return nil, ledgerMissingError()
	}
	ctx = s.logg.WithTenantID(ctx, tenantID)
	summary, err := s.ledger.UsageSummary(ctx, tenantID, from, to)
	if err != nil {
		return nil, s.ledgerFailure(ctx, "get_usage_summary", err)
	}
	return &summary, nil
}

func (s *Service) storeFailure(ctx context.Context, op string, err error) error {
	s.metrics.IncError(op, "store_unavailable")
	s.logg.Error(s.logg.WithField(ctx, "operation", op), "credit store call failed", err)
	return unavailableError(err)
}

func (s *Service) ledgerFailure(ctx context.Context, op string, err error) error {
	s.metrics.IncError(op, "ledger_unavailable")
	s.logg.Error(s.logg.WithField(ctx, "operation", op), "durable ledger read failed", err)
	return ledgerUnavailableError(err)
}

func (s *Service) maybeAlert(ctx context.Context, tenantID string, remaining decimal.Decimal) {
	if s.notifier == nil || s.dispatcher == nil || !remaining.LessThan(s.threshold) {
		return
	}
	alert := alerts.LowBalance{
		TenantID:         tenantID,
		RemainingBalance: remaining,
		Threshold:        s.threshold,
		Timestamp:        s.now().UTC(),
	}
	s.dispatcher.Submit(ctx, taskLowBalanceAlert, func(ctx context.Context) error {
		err := s.notifier.NotifyLowBalance(ctx, alert)
		if errors.Is(err, alerts.ErrSuppressed) {
			return nil
		}
		s.metrics.ObserveLowBalanceAlert(tenantID, err)
		if err != nil {
			return fmt.Errorf("low balance alert: %w", err)
		}
		return nil
	})
}

func (s *Service) auditAdRevenue(ctx context.Context, event *models.AdRevenueEvent) {
	if s.adRevenue == nil || s.dispatcher == nil {
		return
	}
	s.dispatcher.Submit(ctx, taskAdRevenueAudit, func(ctx context.Context) error {
		if err := s.adRevenue.InsertAdRevenueEvent(ctx, event); err != nil {
			return fmt.Errorf("insert ad revenue event: %w", err)
		}
		return nil
	})
}

func normalizeTenant(tenantID string) (string, error) {
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return "", validationError("tenant id is required")
	}
	if len(trimmed) > maxTenantIDLength {
		return "", validationError("tenant id must be at most %d characters", maxTenantIDLength)
	}
	if strings.ContainsAny(trimmed, "{}") {
		return "", validationError("tenant id must not contain braces")
	}
	return trimmed, nil
}

func validateMetadata(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return validationError("metadata must be valid JSON")
	}
	return nil
}
