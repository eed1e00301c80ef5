package netatmo

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the thermostat API boundary. Callers branch on these
// with errors.Is/As; none of them should ever reach an end user.
var (
	// ErrAuth: token or credential failure (401/403).
	ErrAuth = errors.New("thermostat auth failed")
	// ErrNotConfigured: missing home/room configuration.
	ErrNotConfigured = errors.New("thermostat not configured")
	// ErrRateLimited: blocked by our own limiter, not an upstream error.
	ErrRateLimited = errors.New("thermostat call rate limited")
)

// UpstreamError wraps timeouts and 5xx responses from the vendor API.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("thermostat %s: upstream status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("thermostat %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RateLimitedError carries the wait hint alongside ErrRateLimited.
type RateLimitedError struct {
	ResetIn time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("thermostat call rate limited (reset in %s)", e.ResetIn.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
