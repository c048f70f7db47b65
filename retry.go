package collscan

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// RetryOptions configures the fixed-delay retry applied to every partition read.
type RetryOptions struct {
	// Attempts is the total number of tries, including the first one.
	// Default: 10
	Attempts int

	// Delay is the fixed wait between attempts.
	// Default: 2m
	Delay time.Duration
}

// DefaultRetryOptions returns the retry policy used when none is configured.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Attempts: 10,
		Delay:    120 * time.Second,
	}
}

// Retrier runs an operation with bounded fixed-delay retries.
// Cancellation is never retried.
type Retrier struct {
	opts    RetryOptions
	logger  *zerolog.Logger
	metrics *Metrics
}

// NewRetrier creates a Retrier. Zero fields in opts take their defaults.
func NewRetrier(opts RetryOptions, logger *zerolog.Logger, metrics *Metrics) *Retrier {
	def := DefaultRetryOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Retrier{opts: opts, logger: logger, metrics: metrics}
}

// Do calls fn until it succeeds, the context is done, or the attempts run
// out. The error returned after the last attempt is marked ErrFatalIO and a
// canceled one is marked ErrCanceled.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Mark(errors.Wrapf(ctxErr, "%s", op), ErrCanceled)
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if isCancellation(ctx, err) {
			return errors.Mark(errors.Wrapf(err, "%s", op), ErrCanceled)
		}
		if attempt == r.opts.Attempts {
			break
		}
		r.metrics.retry(op)
		r.logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", r.opts.Delay).
			Msg("read failed, retrying")
		if err := sleepCtx(ctx, r.opts.Delay); err != nil {
			return errors.Mark(errors.Wrapf(err, "%s", op), ErrCanceled)
		}
	}
	return errors.Mark(errors.Wrapf(err, "%s: giving up after %d attempts", op, r.opts.Attempts), ErrFatalIO)
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
