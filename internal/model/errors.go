package model

import "errors"

// Error taxonomy shared by the scheduler, trigger engine, rebalancer and
// external clients. Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrInvalidSchedule is returned when a recurrence expression cannot be parsed.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidConfig is returned for bad trigger or allocation configuration.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrPriceUnavailable is returned when the oracle cannot price a pair.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrSwapFailed is returned when a swap is rejected or cannot be confirmed.
	ErrSwapFailed = errors.New("swap failed")

	// ErrNotFound is returned for an unknown job or trigger id.
	ErrNotFound = errors.New("not found")
)
