// Package besteffort runs auxiliary collaborator calls whose failure must not
// abort the state transition that triggered them.
package besteffort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Result is the outcome of one best-effort call.
type Result struct {
	Op      string
	Err     error
	Elapsed time.Duration
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Do runs fn, logs a warning on failure and never panics. A panic inside fn
// is converted into an error result.
func Do(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) (res Result) {
	if logger == nil {
		logger = slog.Default()
	}
	res.Op = op
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("%s: panic: %v", op, p)
		}
		res.Elapsed = time.Since(start)
		if res.Err != nil {
			logger.WarnContext(ctx, "best-effort call failed",
				slog.String("op", op),
				slog.Duration("elapsed", res.Elapsed),
				slog.String("error", res.Err.Error()),
			)
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Err = fn(ctx)
	return res
}

// Join aggregates the failures of results into one error.
func Join(results ...Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Op, r.Err))
		}
	}
	return errors.Join(errs...)
}
