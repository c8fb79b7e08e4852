package autherr

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxRetries caps automatic retries per error signature
	// within the rolling window.
	defaultMaxRetries = 3

	// defaultRetryWindow is the rolling window over which the retry
	// budget refills.
	defaultRetryWindow = 5 * time.Minute

	// signatureIdleTTL is how long an untouched signature entry is kept
	// before the pruner drops it.
	signatureIdleTTL = 30 * time.Minute
)

// signatureEntry pairs a limiter with its last-use time so stale
// signatures can be pruned.
type signatureEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RetryPolicy decides whether a classified failure should be retried
// automatically. Each distinct error signature (kind + operation) gets a
// token bucket: maxRetries tokens refilling over the rolling window.
// Critical-severity failures are never retried regardless of budget.
type RetryPolicy struct {
	maxRetries int
	window     time.Duration
	now        func() time.Time

	mu         sync.Mutex
	signatures map[string]*signatureEntry
}

// PolicyOption customizes a RetryPolicy.
type PolicyOption func(*RetryPolicy)

// WithRetryBudget overrides the per-signature retry cap and window.
func WithRetryBudget(maxRetries int, window time.Duration) PolicyOption {
	return func(p *RetryPolicy) {
		if maxRetries > 0 {
			p.maxRetries = maxRetries
		}

		if window > 0 {
			p.window = window
		}
	}
}

// WithClock overrides the policy clock. Tests use this to advance time.
func WithClock(now func() time.Time) PolicyOption {
	return func(p *RetryPolicy) { p.now = now }
}

// NewRetryPolicy creates a policy with the default budget of 3 retries
// per signature within a 5-minute rolling window.
func NewRetryPolicy(opts ...PolicyOption) *RetryPolicy {
	p := &RetryPolicy{
		maxRetries: defaultMaxRetries,
		window:     defaultRetryWindow,
		now:        time.Now,
		signatures: make(map[string]*signatureEntry),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ShouldRetry reports whether the caller may retry the failed operation
// and the delay to wait before doing so. A false result means the caller
// must stop retrying and escalate.
func (p *RetryPolicy) ShouldRetry(operation string, err error) (bool, time.Duration) {
	ae := Classify(err)
	if ae == nil {
		return false, 0
	}

	if !ae.Retryable || ae.Severity == SeverityCritical {
		return false, 0
	}

	sig := operation + ":" + string(ae.Kind)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()

	entry, ok := p.signatures[sig]
	if !ok {
		// Burst = maxRetries, refilling one token per window/maxRetries,
		// which amounts to maxRetries attempts per rolling window.
		entry = &signatureEntry{
			limiter: rate.NewLimiter(rate.Every(p.window/time.Duration(p.maxRetries)), p.maxRetries),
		}
		p.signatures[sig] = entry
	}

	entry.lastSeen = p.now()

	if !entry.limiter.AllowN(entry.lastSeen, 1) {
		return false, 0
	}

	return true, ae.SuggestedDelay()
}

// Reset clears the budget for an error signature. Called after a
// successful attempt so later failures start fresh.
func (p *RetryPolicy) Reset(operation string, kind Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.signatures, operation+":"+string(kind))
}

func (p *RetryPolicy) pruneLocked() {
	cutoff := p.now().Add(-signatureIdleTTL)
	for sig, entry := range p.signatures {
		if entry.lastSeen.Before(cutoff) {
			delete(p.signatures, sig)
		}
	}
}
