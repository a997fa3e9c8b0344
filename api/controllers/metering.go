package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/api/responses"
	"github.com/angelmondragon/creditmeter/api/validators"
	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/ledger"
	"github.com/angelmondragon/creditmeter/internal/metering"
	pkgerrors "github.com/angelmondragon/creditmeter/pkg/errors"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/pagination"
)

// Oversized limits are capped by the service rather than rejected.
const maxQueryValue = 1 << 30

// MeteringService is the engine surface exposed over HTTP.
type MeteringService interface {
	RecordUsage(ctx context.Context, input metering.RecordUsageInput) (*metering.UsageResult, error)
	AddCredits(ctx context.Context, input metering.AddCreditsInput) (*metering.CreditResult, error)
	ProcessAdRevenue(ctx context.Context, input metering.AdRevenueInput) (*metering.CreditResult, error)
	GetBalance(ctx context.Context, tenantID string) (decimal.Decimal, error)
	GetTransactionHistory(ctx context.Context, tenantID string, limit, offset int) ([]balance.Transaction, error)
	ListUsage(ctx context.Context, tenantID string, limit, offset int) ([]ledger.UsageEntry, error)
	GetUsageSummary(ctx context.Context, tenantID string, from, to time.Time) (*ledger.UsageSummary, error)
}

type recordUsageRequest struct {
	ResourceType string           `json:"resourceType" validate:"required,max=64"`
	Amount       *decimal.Decimal `json:"amount" validate:"required"`
	Metadata     json.RawMessage  `json:"metadata,omitempty"`
}

type addCreditsRequest struct {
	Amount    *decimal.Decimal `json:"amount" validate:"required"`
	Source    string           `json:"source,omitempty" validate:"omitempty,max=64,printascii"`
	Reference string           `json:"reference,omitempty" validate:"omitempty,max=256"`
}

type adRevenueRequest struct {
	AdType   string          `json:"adType" validate:"required,max=64"`
	Count    int64           `json:"count" validate:"required,min=1"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type balanceResponse struct {
	TenantID string          `json:"tenantId"`
	Balance  decimal.Decimal `json:"balance"`
}

type historyResponse struct {
	TenantID     string                `json:"tenantId"`
	Transactions []balance.Transaction `json:"transactions"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
	NextOffset   *int                  `json:"nextOffset,omitempty"`
}

type usageListResponse struct {
	TenantID   string              `json:"tenantId"`
	Usage      []ledger.UsageEntry `json:"usage"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
	NextOffset *int                `json:"nextOffset,omitempty"`
}

// RecordUsage debits the cost of one metered event.
func RecordUsage(svc MeteringService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metering service unavailable"))
			return
		}
		var req recordUsageRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.RecordUsage(r.Context(), metering.RecordUsageInput{
			TenantID:     chi.URLParam(r, "tenantId"),
			ResourceType: req.ResourceType,
			Amount:       *req.Amount,
			Metadata:     req.Metadata,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// AddCredits tops up a tenant balance.
func AddCredits(svc MeteringService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metering service unavailable"))
			return
		}
		var req addCreditsRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.AddCredits(r.Context(), metering.AddCreditsInput{
			TenantID:  chi.URLParam(r, "tenantId"),
			Amount:    *req.Amount,
			Source:    validators.SanitizeString(req.Source, 64),
			Reference: validators.SanitizeString(req.Reference, 256),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// ProcessAdRevenue credits a tenant for ad impressions.
func ProcessAdRevenue(svc MeteringService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metering service unavailable"))
			return
		}
		var req adRevenueRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.ProcessAdRevenue(r.Context(), metering.AdRevenueInput{
			TenantID: chi.URLParam(r, "tenantId"),
			AdType:   req.AdType,
			Count:    req.Count,
			Metadata: req.Metadata,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

func GetBalance(svc MeteringService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metering service unavailable"))
			return
		}
		tenantID := chi.URLParam(r, "tenantId")
		bal, err := svc.GetBalance(r.Context(), tenantID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balanceResponse{TenantID: tenantID, Balance: bal})
	}
}

// ListTransactions pages through a tenant's transactions, newest first.
func ListTransactions(svc MeteringService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metering service unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, maxQueryValue)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		offset, err := validators.ParseQueryInt(r, "offset", 0, 0, maxQueryValue)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		tenantID := chi.URLParam(r, "tenantId")
		txs, err := svc.GetTransactionHistory(r.Context(), tenantID, limit, offset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if txs == nil {
			txs = []balance.Transaction{}
		}
		page := pagination.Params{Limit: pagination.NormalizeLimit(limit), Offset: offset}
		responses.WriteSuccess(w, historyResponse{
			TenantID:     tenantID,
			Transactions: txs,
			Limit:        page.Limit,
			Offset:       page.Offset,
			NextOffset:   pagination.NextOffset(page, len(txs)),
		})
	}
}

// ListUsage pages through persisted usage records, charged and unpaid.
func ListUsage(svc MeteringService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metering service unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, maxQueryValue)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		offset, err := validators.ParseQueryInt(r, "offset", 0, 0, maxQueryValue)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		tenantID := chi.URLParam(r, "tenantId")
		entries, err := svc.ListUsage(r.Context(), tenantID, limit, offset)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if entries == nil {
			entries = []ledger.UsageEntry{}
		}
		page := pagination.Params{Limit: pagination.NormalizeLimit(limit), Offset: offset}
		responses.WriteSuccess(w, usageListResponse{
			TenantID:   tenantID,
			Usage:      entries,
			Limit:      page.Limit,
			Offset:     page.Offset,
			NextOffset: pagination.NextOffset(page, len(entries)),
		})
	}
}

// GetUsageSummary reports billable usage for a window and ledger totals.
func GetUsageSummary(svc MeteringService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "metering service unavailable"))
			return
		}
		from, err := validators.ParseQueryTime(r, "from")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		to, err := validators.ParseQueryTime(r, "to")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		summary, err := svc.GetUsageSummary(r.Context(), chi.URLParam(r, "tenantId"), from, to)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}
