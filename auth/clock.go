package auth

import (
	"sync"
	"time"
)

// DefaultRefreshThreshold is the remaining lifetime below which a proactive
// refresh is attempted.
const DefaultRefreshThreshold = 600 * time.Second

// Decision is the outcome of evaluating a TokenClock.
type Decision int

const (
	// DecisionNone means the token is comfortably valid.
	DecisionNone Decision = iota
	// DecisionRefresh means the token is inside the refresh threshold.
	DecisionRefresh
	// DecisionExpired means the token is already past its expiry.
	DecisionExpired
	// DecisionUnknown means the expiry could not be decoded; expiry will be
	// discovered reactively.
	DecisionUnknown
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionRefresh:
		return "refresh"
	case DecisionExpired:
		return "expired"
	case DecisionUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// TokenClock tracks the expiry of one access token.
type TokenClock struct {
	mu        sync.RWMutex
	expiry    time.Time
	threshold time.Duration
}

// NewTokenClock creates a clock with the given refresh threshold.
func NewTokenClock(threshold time.Duration) *TokenClock {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return &TokenClock{threshold: threshold}
}

// Recompute decodes the expiry of token. It reports false when the expiry
// could not be decoded, which leaves the clock inert.
func (c *TokenClock) Recompute(token string) bool {
	exp, err := ExpiryOf(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.expiry = time.Time{}
		return false
	}
	// Whole seconds, as carried by the claim.
	c.expiry = time.Unix(exp.Unix(), 0)
	return true
}

// Expiry returns the decoded expiry, if any.
func (c *TokenClock) Expiry() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiry, !c.expiry.IsZero()
}

// Threshold returns the refresh threshold.
func (c *TokenClock) Threshold() time.Duration {
	return c.threshold
}

// Remaining returns the lifetime left at now.
func (c *TokenClock) Remaining(now time.Time) (time.Duration, bool) {
	exp, ok := c.Expiry()
	if !ok {
		return 0, false
	}
	return exp.Sub(now), true
}

// Evaluate decides what should happen to the token at now.
func (c *TokenClock) Evaluate(now time.Time) Decision {
	remaining, ok := c.Remaining(now)
	switch {
	case !ok:
		return DecisionUnknown
	case remaining <= 0:
		return DecisionExpired
	case remaining <= c.threshold:
		return DecisionRefresh
	default:
		return DecisionNone
	}
}
