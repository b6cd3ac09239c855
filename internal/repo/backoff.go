package repo

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Backoff configures the delay between clone/fetch retries.
type Backoff struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

func defaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 200 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
}

// DelayForAttempt returns the delay before retry number attempt (1-indexed).
// Jitter is derived deterministically from seed so retry timing is
// reproducible for a given invocation.
func (b Backoff) DelayForAttempt(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.InitialDelay <= 0 {
		return 0
	}

	base := float64(b.InitialDelay) * math.Pow(b.Factor, float64(attempt-1))
	if b.MaxDelay > 0 {
		base = math.Min(base, float64(b.MaxDelay))
	}

	// Jitter applies after capping, scaling into [0.5, 1.5).
	if b.Jitter {
		base *= 0.5 + jitterUnit(seed)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
