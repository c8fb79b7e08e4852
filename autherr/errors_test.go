package autherr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassificationTable(t *testing.T) {
	tests := []struct {
		kind       Kind
		severity   Severity
		retryable  bool
		userAction bool
	}{
		{KindNetworkUnavailable, SeverityMedium, true, true},
		{KindOfflineLoginAttempt, SeverityMedium, true, true},
		{KindNetworkError, SeverityHigh, true, false},
		{KindInvalidCredentials, SeverityMedium, true, true},
		{KindServerError, SeverityHigh, true, false},
		{KindDecryptionError, SeverityCritical, false, true},
		{KindDomainNotAllowed, SeverityCritical, false, true},
		{KindHTTPSRequired, SeverityCritical, false, true},
		{KindStorageError, SeverityMedium, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")

			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.userAction, err.RequiresUserAction)
		})
	}
}

func TestError_WrappingPreservesChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindNetworkError, "sending request", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindStorageError, "write failed"))

	assert.Equal(t, KindStorageError, KindOf(err))
	assert.True(t, IsKind(err, KindStorageError))
	assert.False(t, IsKind(err, KindNetworkError))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestClassify_WrapsUnclassifiedAsNetworkError(t *testing.T) {
	plain := errors.New("dial tcp: i/o timeout")

	ae := Classify(plain)
	require.NotNil(t, ae)

	assert.Equal(t, KindNetworkError, ae.Kind)
	assert.ErrorIs(t, ae, plain)

	assert.Nil(t, Classify(nil))
}

func TestClassify_PassesThroughClassified(t *testing.T) {
	orig := New(KindInvalidCredentials, "rejected")

	assert.Same(t, orig, Classify(orig))
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
}

func TestSuggestedDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, New(KindServerError, "x").SuggestedDelay())
	assert.Equal(t, time.Duration(0), New(KindInvalidCredentials, "x").SuggestedDelay())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "medium", SeverityMedium.String())
	assert.Equal(t, "high", SeverityHigh.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(99).String())
}

// --- retry policy tests ---

func TestRetryPolicy_BudgetExhaustsPerSignature(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewRetryPolicy(
		WithRetryBudget(3, 5*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	err := New(KindServerError, "backend down")

	for i := 0; i < 3; i++ {
		ok, delay := p.ShouldRetry("refresh", err)
		require.True(t, ok, "attempt %d should be allowed", i+1)
		assert.Equal(t, 30*time.Second, delay)
	}

	ok, _ := p.ShouldRetry("refresh", err)
	assert.False(t, ok, "fourth attempt exceeds the budget")
}

func TestRetryPolicy_SignaturesAreIndependent(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewRetryPolicy(
		WithRetryBudget(1, 5*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	serverErr := New(KindServerError, "x")
	netErr := New(KindNetworkError, "y")

	ok, _ := p.ShouldRetry("refresh", serverErr)
	require.True(t, ok)
	ok, _ = p.ShouldRetry("refresh", serverErr)
	require.False(t, ok)

	// Different kind, same operation: fresh budget.
	ok, _ = p.ShouldRetry("refresh", netErr)
	assert.True(t, ok)

	// Same kind, different operation: fresh budget.
	ok, _ = p.ShouldRetry("login", serverErr)
	assert.True(t, ok)
}

func TestRetryPolicy_CriticalNeverRetried(t *testing.T) {
	p := NewRetryPolicy()

	for _, kind := range []Kind{KindDecryptionError, KindDomainNotAllowed, KindHTTPSRequired} {
		ok, _ := p.ShouldRetry("login", New(kind, "x"))
		assert.False(t, ok, string(kind))
	}
}

func TestRetryPolicy_NilErrorNotRetried(t *testing.T) {
	p := NewRetryPolicy()

	ok, _ := p.ShouldRetry("login", nil)
	assert.False(t, ok)
}

func TestRetryPolicy_BudgetRefillsOverWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewRetryPolicy(
		WithRetryBudget(3, 3*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	err := New(KindNetworkError, "x")

	for i := 0; i < 3; i++ {
		ok, _ := p.ShouldRetry("recover", err)
		require.True(t, ok)
	}

	ok, _ := p.ShouldRetry("recover", err)
	require.False(t, ok)

	// One token refills per window/maxRetries.
	now = now.Add(time.Minute + time.Second)

	ok, _ = p.ShouldRetry("recover", err)
	assert.True(t, ok, "budget refills as the window rolls")
}

func TestRetryPolicy_ResetClearsBudget(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewRetryPolicy(
		WithRetryBudget(1, 5*time.Minute),
		WithClock(func() time.Time { return now }),
	)

	err := New(KindInvalidCredentials, "x")

	ok, _ := p.ShouldRetry("login", err)
	require.True(t, ok)
	ok, _ = p.ShouldRetry("login", err)
	require.False(t, ok)

	p.Reset("login", KindInvalidCredentials)

	ok, _ = p.ShouldRetry("login", err)
	assert.True(t, ok)
}

func TestRetryPolicy_PrunesIdleSignatures(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewRetryPolicy(
		WithRetryBudget(1, time.Minute),
		WithClock(func() time.Time { return now }),
	)

	err := New(KindNetworkError, "x")

	ok, _ := p.ShouldRetry("sync", err)
	require.True(t, ok)
	ok, _ = p.ShouldRetry("sync", err)
	require.False(t, ok)

	// After the idle TTL the signature is dropped and the budget is fresh.
	now = now.Add(31 * time.Minute)

	ok, _ = p.ShouldRetry("sync", err)
	assert.True(t, ok)
}
