package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
	"github.com/yndnr/ksefsync-go/internal/telemetry/metric"
)

// ErrorClass tells RetryPolicy how to treat a failed call.
type ErrorClass int

// Error classes.
const (
	ClassPermanent ErrorClass = iota
	ClassRateLimited
	ClassTransient
)

// String implements fmt.Stringer.
func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Classifier maps an error to a class and, for rate limits, the delay the
// server asked for. ok is false when the server named no delay.
type Classifier func(err error) (class ErrorClass, retryAfter time.Duration, ok bool)

// ClassifyError is the default Classifier.
//
// RateLimited and RemoteUnavailable are retryable; everything else,
// including context cancellation, is permanent.
func ClassifyError(err error) (ErrorClass, time.Duration, bool) {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		d, ok := domain.RetryAfterOf(err)
		return ClassRateLimited, d, ok
	case errors.Is(err, domain.ErrRemoteUnavailable):
		return ClassTransient, 0, false
	default:
		return ClassPermanent, 0, false
	}
}

// Default retry settings.
const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 30 * time.Second
	DefaultRateLimitDelay = 10 * time.Second
)

// RetryPolicy wraps remote calls with bounded retry.
//
// Rate-limited calls wait for the server-requested interval (or
// RateLimitDelay); transient failures back off exponentially from BaseDelay
// up to MaxDelay. Both count towards MaxAttempts.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration

	// Limiter, when set, paces every attempt client-side.
	Limiter *rate.Limiter
	// Classify defaults to ClassifyError.
	Classify Classifier
	// Sleep defaults to a timer that returns early on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error

	Metrics *metric.Registry
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		RateLimitDelay: DefaultRateLimitDelay,
	}
}

// WithLimiter returns a copy of p paced by l.
func (p RetryPolicy) WithLimiter(l *rate.Limiter) RetryPolicy {
	p.Limiter = l
	return p
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		d = DefaultBaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// Execute invokes call until it succeeds, fails permanently, or the policy
// runs out of attempts. The last error is returned unmodified.
func Execute[T any](ctx context.Context, p RetryPolicy, operation string, call func(context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	classify := p.Classify
	if classify == nil {
		classify = ClassifyError
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}

		start := time.Now()
		result, err := call(ctx)
		p.Metrics.ObserveCall(operation, start, err)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, err
		}

		class, retryAfter, specified := classify(err)
		if class == ClassPermanent || attempt == maxAttempts {
			break
		}

		delay := p.Backoff(attempt)
		if class == ClassRateLimited {
			switch {
			case specified:
				delay = retryAfter
			case p.RateLimitDelay > 0:
				delay = p.RateLimitDelay
			default:
				delay = DefaultRateLimitDelay
			}
		}

		p.Metrics.ObserveRetry(operation, class.String())
		logger.L(ctx).Debug("retrying remote call",
			"operation", operation,
			"attempt", attempt,
			"class", class.String(),
			"delay", delay,
			"error", err,
		)

		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// Do is Execute for calls without a result.
func (p RetryPolicy) Do(ctx context.Context, operation string, call func(context.Context) error) error {
	_, err := Execute(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================================
// LimiterRegistry - client-side pacing per remote operation
// ============================================================================

// LimiterRegistry keeps one rate limiter per remote operation.
type LimiterRegistry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	perSec   float64
	burst    int
}

// NewLimiterRegistry creates a registry whose limiters allow perSec
// requests per second with the given burst. perSec <= 0 disables pacing.
func NewLimiterRegistry(perSec float64, burst int) *LimiterRegistry {
	if burst <= 0 {
		burst = 1
	}
	return &LimiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		perSec:   perSec,
		burst:    burst,
	}
}

// GetOrCreate returns the limiter for operation, or nil when pacing is off.
func (r *LimiterRegistry) GetOrCreate(operation string) *rate.Limiter {
	if r == nil || r.perSec <= 0 {
		return nil
	}

	r.mu.RLock()
	limiter, exists := r.limiters[operation]
	r.mu.RUnlock()
	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := r.limiters[operation]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(r.perSec), r.burst)
	r.limiters[operation] = limiter
	return limiter
}

// Policy returns p paced by the limiter for operation.
func (r *LimiterRegistry) Policy(p RetryPolicy, operation string) RetryPolicy {
	return p.WithLimiter(r.GetOrCreate(operation))
}
