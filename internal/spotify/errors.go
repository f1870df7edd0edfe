package spotify

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Classifying upstream responses into a closed set
// lets callers apply per-class policy instead of re-deriving retry
// logic at every call site.
var (
	// ErrUpstreamAuth is returned when the API rejects a token even after
	// one forced refresh. Callers should treat it like a required
	// reauthorization.
	ErrUpstreamAuth = errors.New("spotify rejected access token")

	// ErrInsufficientScope is returned on 403: the feature needs a scope
	// or product tier the user's account lacks. Not retried.
	ErrInsufficientScope = errors.New("insufficient spotify scope or tier")

	// ErrNoActiveDevice is returned when a player endpoint 404s because
	// no device is playing.
	ErrNoActiveDevice = errors.New("no active spotify device")

	// ErrUpstreamUnavailable is returned after the retry budget for
	// network errors and 5xx responses is exhausted. Safe to retry on the
	// next polling cadence.
	ErrUpstreamUnavailable = errors.New("spotify unavailable")
)

// RateLimitError is returned on 429. RetryAfter carries the upstream
// wait hint (zero when the header was absent); the caller decides when
// to come back rather than retrying inline.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("spotify rate limited, retry after %s", e.RetryAfter)
	}
	return "spotify rate limited"
}
