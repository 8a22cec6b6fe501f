package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy describes a bounded exponential backoff retry budget.
type Policy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
}

// DefaultPolicy matches the fleet's configured defaults.
var DefaultPolicy = Policy{MaxAttempts: 3, Min: 500 * time.Millisecond, Max: 10 * time.Second}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The last error is returned when the budget runs out.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	bo := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
