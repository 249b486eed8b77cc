// Package poll holds bounded retry state: how many attempts, how long between
// them, and what counts as done. Sleeping goes through a Clock so tests can
// run the same schedule without waiting.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrExhausted = errors.New("poll attempts exhausted")

// Clock is the only source of waiting for pollers, skills and the agent loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
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

// Policy describes a bounded poll. Delays, when set, replaces Interval with a
// per-attempt schedule; the last delay repeats if Attempts exceeds it.
type Policy struct {
	Attempts int
	Interval time.Duration
	Delays   []time.Duration
}

// Delay is the wait before attempt n (0-based). The first attempt never waits
// unless a schedule says otherwise.
func (p Policy) Delay(n int) time.Duration {
	if len(p.Delays) > 0 {
		if n < len(p.Delays) {
			return p.Delays[n]
		}
		return p.Delays[len(p.Delays)-1]
	}
	if n == 0 {
		return 0
	}
	return p.Interval
}

// Until runs fn up to p.Attempts times, sleeping p.Delay(n) before each call,
// and stops at the first attempt that reports done. It returns the number of
// attempts made.
func Until(ctx context.Context, clock Clock, p Policy, fn func(attempt int) (bool, error)) (int, error) {
	if clock == nil {
		clock = RealClock{}
	}
	for n := 0; n < p.Attempts; n++ {
		if err := clock.Sleep(ctx, p.Delay(n)); err != nil {
			return n, err
		}
		done, err := fn(n)
		if err != nil {
			return n + 1, err
		}
		if done {
			return n + 1, nil
		}
	}
	return p.Attempts, ErrExhausted
}

// FakeClock never blocks. It advances its own time by every requested sleep and
// records the durations.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
	}
	return nil
}

// Sleeps returns every non-zero sleep requested so far.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
