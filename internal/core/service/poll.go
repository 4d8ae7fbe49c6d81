package service

import (
	"context"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
	"github.com/yndnr/ksefsync-go/internal/telemetry/metric"
)

// Default poll settings.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 90
)

// PollOptions bounds a polling loop.
type PollOptions struct {
	// Interval is the delay between attempts.
	Interval time.Duration
	// MaxInterval caps Interval when Multiplier grows it.
	MaxInterval time.Duration
	// Multiplier grows the interval after each attempt; values <= 1 keep it fixed.
	Multiplier float64
	// MaxAttempts is the total number of fetches.
	MaxAttempts int

	Sleep   func(ctx context.Context, d time.Duration) error
	Metrics *metric.Registry
}

// DefaultPollOptions returns the default options.
func DefaultPollOptions() PollOptions {
	return PollOptions{
		Interval:    DefaultPollInterval,
		MaxAttempts: DefaultMaxPollAttempts,
	}
}

// Poll fetches state until isTerminal reports true, fetch fails, the context
// is cancelled, or MaxAttempts is reached.
//
// On exhaustion it returns the last observed state with ErrPollingTimeout;
// the remote operation is left untouched so polling can resume later.
func Poll[T any](ctx context.Context, opts PollOptions, operation string, fetch func(context.Context) (T, error), isTerminal func(T) bool) (T, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPollAttempts
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last T
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opts.Metrics.ObservePoll(operation)

		state, err := fetch(ctx)
		if err != nil {
			return last, err
		}
		last = state

		if isTerminal(state) {
			return state, nil
		}
		if attempt == maxAttempts {
			break
		}

		logger.L(ctx).Debug("waiting for remote state",
			"operation", operation,
			"attempt", attempt,
			"delay", interval,
		)
		if err := sleep(ctx, interval); err != nil {
			return last, err
		}

		if opts.Multiplier > 1 {
			interval = time.Duration(float64(interval) * opts.Multiplier)
			if opts.MaxInterval > 0 && interval > opts.MaxInterval {
				interval = opts.MaxInterval
			}
		}
	}

	return last, domain.ErrPollingTimeout.WithDetailsf("%s not terminal after %d attempts", operation, maxAttempts)
}
