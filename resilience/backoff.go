package resilience

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Strategy computes the delay before a retry attempt. Attempts are 1-based:
// Delay(1) is the wait before the first retry.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt, capped at Max. With
// Jitter enabled the delay is drawn from [d/2, d), spreading retries from
// many clients hitting the same failure.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay implements Strategy.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter {
		// Delays too small to split in half are returned as-is.
		if half := d / 2; half > 0 {
			d = half + time.Duration(rand.Int63n(int64(half)))
		}
	}
	return d
}

// LinearBackoff grows the delay by Step per attempt, capped at Max.
type LinearBackoff struct {
	Step time.Duration
	Max  time.Duration
}

// Delay implements Strategy.
func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * b.Step
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// StrategyFromConfig builds a Strategy from a configuration block.
func StrategyFromConfig(cfg llmstream.BackoffConfig) Strategy {
	if cfg.Strategy == "linear" {
		return LinearBackoff{Step: cfg.Base, Max: cfg.Max}
	}
	return ExponentialBackoff{Base: cfg.Base, Max: cfg.Max, Jitter: cfg.Jitter}
}

// DelayFor resolves the wait before a retry. A server-supplied Retry-After
// hint is authoritative and always wins over the configured schedule.
func DelayFor(s Strategy, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	return s.Delay(attempt)
}

// RetryAfterHint extracts a Retry-After-style hint from a response. Both
// delta-seconds and HTTP-date forms are understood; 0 means no hint.
func RetryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
