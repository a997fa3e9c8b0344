package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits kept on every computed amount.
const Precision int32 = 8

var (
	ErrUnknownResourceType = errors.New("unknown resource type")
	ErrInvalidAdType       = errors.New("invalid ad type")
	ErrNegativeAmount      = errors.New("amount must not be negative")
)

// DefaultRates are the credit prices per metered unit.
var DefaultRates = map[string]string{
	"cpu":            "0.00004",  // per millicore-hour
	"memory":         "0.000005", // per MiB-hour
	"storage":        "0.0001",   // per GiB-hour
	"api_call":       "0.0001",
	"ollama_token":   "0.00001",
	"llm_token":      "0.00002",
	"bandwidth_gb":   "0.05",
	"session_minute": "0.001",
}

// DefaultAdRates are the credits earned per ad interaction.
var DefaultAdRates = map[string]string{
	"video_ad_view":          "0.01",
	"banner_impression":      "0.0005",
	"banner_click":           "0.005",
	"rewarded_ad_completion": "0.02",
}

// Table maps resource types to unit rates. It is immutable after construction.
type Table struct {
	rates map[string]decimal.Decimal
}

// NewTable parses the supplied rates. A nil or empty map yields the defaults.
func NewTable(raw map[string]string) (*Table, error) {
	rates, err := parseRates(raw, DefaultRates)
	if err != nil {
		return nil, err
	}
	return &Table{rates: rates}, nil
}

// Cost returns amount × rate truncated toward zero to Precision digits.
func (t *Table) Cost(resourceType string, amount decimal.Decimal) (decimal.Decimal, error) {
	rate, ok := t.rates[normalize(resourceType)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownResourceType, resourceType)
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return amount.Mul(rate).Truncate(Precision), nil
}

// Rate returns the unit rate for resourceType.
func (t *Table) Rate(resourceType string) (decimal.Decimal, bool) {
	rate, ok := t.rates[normalize(resourceType)]
	return rate, ok
}

// ResourceTypes lists the priced resource types in sorted order.
func (t *Table) ResourceTypes() []string {
	return sortedKeys(t.rates)
}

// AdRates maps ad types to the revenue credited per interaction.
type AdRates struct {
	rates map[string]decimal.Decimal
}

// NewAdRates parses the supplied ad rates. A nil or empty map yields the defaults.
func NewAdRates(raw map[string]string) (*AdRates, error) {
	rates, err := parseRates(raw, DefaultAdRates)
	if err != nil {
		return nil, err
	}
	return &AdRates{rates: rates}, nil
}

// Revenue returns rate × count truncated to Precision digits, along with the rate used.
func (a *AdRates) Revenue(adType string, count int64) (decimal.Decimal, decimal.Decimal, error) {
	rate, ok := a.rates[normalize(adType)]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAdType, adType)
	}
	if count < 0 {
		return decimal.Zero, decimal.Zero, ErrNegativeAmount
	}
	return rate.Mul(decimal.NewFromInt(count)).Truncate(Precision), rate, nil
}

// AdTypes lists the known ad types in sorted order.
func (a *AdRates) AdTypes() []string {
	return sortedKeys(a.rates)
}

func parseRates(raw, defaults map[string]string) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		raw = defaults
	}
	rates := make(map[string]decimal.Decimal, len(raw))
	for name, value := range raw {
		key := normalize(name)
		if key == "" {
			return nil, errors.New("rate name must not be empty")
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", name, err)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("rate %q must not be negative", name)
		}
		rates[key] = rate
	}
	return rates, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
