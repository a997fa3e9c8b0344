package enums

import "fmt"

// UsageStatus records whether a persisted usage event was paid for.
type UsageStatus string

const (
	// UsageStatusCharged means the matching debit committed.
	UsageStatusCharged UsageStatus = "charged"
	// UsageStatusUnpaid means the debit was refused or never happened; the
	// row is kept for audit and excluded from billing totals.
	UsageStatusUnpaid UsageStatus = "unpaid"
)

var validUsageStatuses = []UsageStatus{
	UsageStatusCharged,
	UsageStatusUnpaid,
}

// String implements fmt.Stringer.
func (s UsageStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s UsageStatus) IsValid() bool {
	for _, candidate := range validUsageStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseUsageStatus converts raw input into a UsageStatus.
func ParseUsageStatus(value string) (UsageStatus, error) {
	for _, candidate := range validUsageStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid usage status %q", value)
}
