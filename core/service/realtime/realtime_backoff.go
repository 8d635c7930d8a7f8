package realtime

import "time"

const (
	DefaultReconnectBase        = 1000 * time.Millisecond
	DefaultMaxReconnectAttempts = 5
	DefaultJoinCheckDelay       = 3 * time.Second
)

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultReconnectBase, MaxAttempts: DefaultMaxReconnectAttempts}
}

// Delay returns the wait before attempt n (1-based): Base * 2^(n-1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return b.Base << (n - 1)
}

// Allowed reports whether attempt n may be scheduled.
func (b Backoff) Allowed(n int) bool {
	return n >= 1 && n <= b.MaxAttempts
}
