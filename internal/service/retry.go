package service

import (
	"context"
	"time"
)

const (
	recordAttempts   = 5
	recordRetryDelay = 200 * time.Millisecond
)

// retry calls fn until it succeeds, attempts run out or ctx is done. The delay doubles after
// every failure.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
