package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/golang/glog"
)

// OpenWithRetry calls Open up to attempts times, backing off exponentially
// with jitter between tries. It gives up early on ErrClosed, on ErrSuperseded
// or when ctx ends.
func (s *Session) OpenWithRetry(ctx context.Context, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.Open(ctx)
		if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrSuperseded) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := s.backoff(i)
		glog.Infof("[session]attempt %d/%d failed, retrying in %s", i+1, attempts, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.settings.RetryBase << attempt
	if d <= 0 || d > s.settings.RetryMax {
		d = s.settings.RetryMax
	}
	if d <= 0 {
		return 0
	}
	// full jitter over the upper half keeps clients from retrying in step
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
