package connection

import "time"

// Backoff computes retry delays: min(Initial * Factor^attempt, Max).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Next returns the delay before retrying after attempt failed attempts
// (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	wait := float64(b.Initial)
	limit := float64(b.Max)
	if wait >= limit {
		return b.Max
	}
	for i := 0; i < attempt; i++ {
		// Float math so large attempts saturate at +Inf instead of wrapping
		wait *= b.Factor
		if wait >= limit {
			return b.Max
		}
	}
	return time.Duration(wait)
}

func (c Config) backoff() Backoff {
	return Backoff{
		Initial: c.InitialDelay,
		Max:     c.MaxDelay,
		Factor:  c.BackoffFactor,
	}
}
