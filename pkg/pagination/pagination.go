package pagination

import "fmt"

const (
	// DefaultLimit is the standard page size when a limit is not provided.
	DefaultLimit = 25
	// MaxLimit caps how many rows any page can request.
	MaxLimit = 100
)

// Params holds offset pagination inputs from controllers or services.
type Params struct {
	Limit  int
	Offset int
}

// NormalizeLimit enforces the configured default and maximum limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Normalize applies NormalizeLimit and rejects negative offsets.
func Normalize(p Params) (Params, error) {
	if p.Offset < 0 {
		return Params{}, fmt.Errorf("offset must not be negative")
	}
	return Params{Limit: NormalizeLimit(p.Limit), Offset: p.Offset}, nil
}

// NextOffset returns the offset of the following page, or nil when the
// returned page was short and nothing more is expected.
func NextOffset(p Params, returned int) *int {
	if returned < p.Limit {
		return nil
	}
	next := p.Offset + returned
	return &next
}
