package metering

import (
	"errors"
	"fmt"

	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/pricing"
	pkgerrors "github.com/angelmondragon/creditmeter/pkg/errors"
)

// Sentinels returned (wrapped in coded errors) by the engine.
var (
	ErrUnknownResourceType = pricing.ErrUnknownResourceType
	ErrInvalidAdType       = pricing.ErrInvalidAdType
	ErrInsufficientCredits = balance.ErrInsufficientCredits
	ErrAmountOutOfRange    = balance.ErrAmountOutOfRange
	ErrStoreUnavailable    = errors.New("credit store unavailable")
	ErrLedgerUnavailable   = errors.New("durable ledger unavailable")
)

func validationError(format string, args ...any) error {
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf(format, args...))
}

func pricingError(err error) error {
	switch {
	case errors.Is(err, pricing.ErrUnknownResourceType):
		return pkgerrors.Wrap(pkgerrors.CodeUnknownResourceType, err, "unknown resource type")
	case errors.Is(err, pricing.ErrInvalidAdType):
		return pkgerrors.Wrap(pkgerrors.CodeInvalidAdType, err, "invalid ad type")
	case errors.Is(err, pricing.ErrNegativeAmount):
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "amount must not be negative")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "pricing failed")
	}
}

func insufficientError(current, required string) error {
	return pkgerrors.Wrap(pkgerrors.CodeInsufficientCredits, ErrInsufficientCredits, "insufficient credits").
		WithDetails(map[string]string{"balance": current, "required": required})
}

func unavailableError(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("%w: %w", ErrStoreUnavailable, err), "credit store unavailable")
}

func rangeError(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "amount exceeds the supported balance range")
}

func ledgerUnavailableError(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err), "durable ledger unavailable")
}

func ledgerMissingError() error {
	return pkgerrors.New(pkgerrors.CodeInternal, "durable ledger not configured")
}
