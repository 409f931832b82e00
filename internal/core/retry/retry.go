// Package retry implements the bounded retry policy phase hooks apply to
// transient backend errors. The pipeline itself never retries.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/conductor/internal/core/domain"
)

// Policy bounds retries of transient errors.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy allows two retries with exponential backoff from 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Exponential: true,
	}
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	if p.Exponential {
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// retry budget is spent. It returns how many retries were made. An
// exhausted budget is reported as a fatal error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	retries := 0
	for {
		err := fn(ctx)
		if err == nil {
			return retries, nil
		}
		if !domain.IsTransient(err) {
			return retries, err
		}
		if retries >= p.MaxRetries {
			return retries, fmt.Errorf("%w: gave up after %d retries: %v", domain.ErrFatal, retries, err)
		}
		retries++
		if err := p.sleep(ctx, p.Delay(retries)); err != nil {
			return retries, err
		}
	}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
