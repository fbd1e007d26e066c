package stream

import "time"

// Backoff controls the pull loop interval
type Backoff struct {
	Base     time.Duration `mapstructure:"base" validate:"gt=0"`
	Max      time.Duration `mapstructure:"max" validate:"gtefield=Base"`
	ErrorMax time.Duration `mapstructure:"error_max" validate:"gtefield=Base"`
}

// DefaultBackoff polls every 2s while records keep arriving and slows to 10s (15s after errors)
var DefaultBackoff = Backoff{
	Base:     2 * time.Second,
	Max:      10 * time.Second,
	ErrorMax: 15 * time.Second,
}

// Next returns the interval to wait after a poll. Results reset to Base; an empty or
// failed poll grows the interval by 1.5x up to Max, or ErrorMax after a failure.
func (b Backoff) Next(current time.Duration, hadResults, hadError bool) time.Duration {
	if hadResults && !hadError {
		return b.Base
	}
	if current < b.Base {
		current = b.Base
	}
	next := current * 3 / 2
	limit := b.Max
	if hadError {
		limit = b.ErrorMax
	}
	if next > limit {
		return limit
	}
	return next
}

// NextInterval applies DefaultBackoff
func NextInterval(current time.Duration, hadResults, hadError bool) time.Duration {
	return DefaultBackoff.Next(current, hadResults, hadError)
}
