package util

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, sleeping delay between tries. When
// exponential is true the delay doubles after every failure. The last error
// is returned once attempts are exhausted; a context cancellation during a
// sleep aborts immediately with ctx.Err().
func Retry(ctx context.Context, attempts int, delay time.Duration, exponential bool, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if exponential {
			delay *= 2
		}
	}
	return err
}
