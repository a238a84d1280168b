package sink

import (
	"context"
	"sync"
	"time"

	"github.com/srg/thermobridge/internal/clock"
	"github.com/srg/thermobridge/internal/supervisor"
	"github.com/srg/thermobridge/internal/thermometer"
)

// DefaultThrottleInterval matches how often Home Assistant needs a new value.
const DefaultThrottleInterval = 3 * time.Second

// Throttle forwards the first reading and then drops readings until interval
// has passed since the last forwarded one. Finish is always forwarded and
// resets the window so the next session's first reading goes straight through.
type Throttle struct {
	next     supervisor.Sink
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	last    time.Time
	started bool
	dropped uint64
}

func NewThrottle(next supervisor.Sink, interval time.Duration, clk clock.Clock) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Throttle{next: next, interval: interval, clock: clk}
}

func (t *Throttle) Publish(ctx context.Context, r thermometer.ProbeReading) error {
	now := t.clock.Now()

	t.mu.Lock()
	if t.started && now.Sub(t.last) < t.interval {
		t.dropped++
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.last = now
	t.mu.Unlock()

	return t.next.Publish(ctx, r)
}

func (t *Throttle) Finish(ctx context.Context, cause error) error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	return t.next.Finish(ctx, cause)
}

// Dropped returns how many readings were suppressed.
func (t *Throttle) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
