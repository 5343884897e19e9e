package util

import (
	"sync"
	"time"
)

// Clock abstracts all timing decisions (now, sleep) so that tests can mock
// them out.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time        { return time.Now() }
func (c *DefaultClock) Sleep(d time.Duration) { time.Sleep(d) }

// DummyClock reports a fixed time and records requested sleeps without
// actually sleeping.
type DummyClock struct {
	T     time.Time
	mu    sync.Mutex
	slept []time.Duration
}

func (c *DummyClock) Now() time.Time { return c.T }

func (c *DummyClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
}

func (c *DummyClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}
