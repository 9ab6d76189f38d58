package internal

import (
	"context"
	"errors"
	"time"
)

// Backoff describes how an operation is retried: at most Attempts calls, the delay between
// two calls starting at Delay and doubling every time.
type Backoff struct {
	Attempts int
	Delay    time.Duration
	// Sleep waits for the given duration or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err}
}

func IsFatal(err error) bool {
	var fatal *fatalError
	return errors.As(err, &fatal)
}

// Retry calls fn until it succeeds, returns a fatal error or the attempts are exhausted; the
// last error is returned, stripped of its fatal marker. It returns ctx.Err() if the context is
// cancelled while backing off.
func Retry[T any](ctx context.Context, backoff Backoff, fn func(attempt int) (T, error)) (T, error) {
	var result T
	var err error

	delay := backoff.Delay
	for attempt := 1; attempt <= max(backoff.Attempts, 1); attempt++ {
		if result, err = fn(attempt); err == nil {
			return result, nil
		}

		var fatal *fatalError
		if errors.As(err, &fatal) {
			return result, fatal.err
		}

		if attempt < backoff.Attempts {
			backoff.sleep(ctx, delay)
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			delay *= 2
		}
	}

	return result, err
}

func (b Backoff) sleep(ctx context.Context, d time.Duration) {
	if b.Sleep != nil {
		b.Sleep(ctx, d)
		return
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
