// Package retry provides the bounded execution policies applied to
// network and disk bound git operations. remote operations (clone, fetch)
// are retried with exponential backoff, long running local maintenance
// operations are run under a hard wall-clock deadline instead.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 30 * time.Second
)

// Result is the uniform outcome of a timeboxed maintenance operation.
// TimedOut is a strict subset of failure, it distinguishes "ran too long"
// from "ran and failed" as the two warrant different diagnostics even
// though both gate the commit decision the same way.
type Result struct {
	Success  bool
	TimedOut bool
	Err      error
}

// Permanent marks err as non-retryable for Do
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op with exponential backoff until it succeeds, returns a
// permanent error or maxAttempts attempts have been made.
func Do(ctx context.Context, log *slog.Logger, name string, maxAttempts uint64, op func(ctx context.Context) error) error {
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialInterval
	bo.MaxInterval = defaultMaxInterval

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)

	return backoff.RetryNotify(
		func() error { return op(ctx) },
		policy,
		func(err error, next time.Duration) {
			log.Warn("operation failed, retrying", "op", name, "next-attempt-in", next, "err", err)
		},
	)
}

// Timeboxed runs op under a hard wall-clock deadline. the operation's
// underlying process is expected to honour ctx cancellation (RunCommand
// force kills commands shortly after the deadline).
func Timeboxed(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) Result {
	tCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(tCtx)
	if err == nil {
		return Result{Success: true}
	}

	timedOut := errors.Is(err, context.DeadlineExceeded) && tCtx.Err() == context.DeadlineExceeded

	return Result{TimedOut: timedOut, Err: err}
}
