package thermometer

import (
	"sync"
	"time"

	"github.com/srg/thermobridge/internal/clock"
)

// DefaultWatchdogTimeout is how long a streaming session may stay silent.
const DefaultWatchdogTimeout = 10 * time.Second

// ConnectionWatchdog fails a session that stops delivering readings.
//
// Every Reset supersedes the pending expiry: the timer callback carries the
// generation it was armed with and does nothing if a newer generation exists.
// An expiry that already started when Reset runs is therefore discarded
// rather than racing it.
type ConnectionWatchdog struct {
	clock    clock.Clock
	timeout  time.Duration
	onExpire func()

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
	deadline   time.Time
	armed      bool
	stopped    bool
}

// NewConnectionWatchdog returns an unarmed watchdog. onExpire runs at most once,
// without the watchdog lock held.
func NewConnectionWatchdog(clk clock.Clock, timeout time.Duration, onExpire func()) *ConnectionWatchdog {
	if clk == nil {
		clk = clock.Real()
	}
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	return &ConnectionWatchdog{clock: clk, timeout: timeout, onExpire: onExpire}
}

// Start arms the deadline. Calling it on an armed or stopped watchdog does nothing.
func (w *ConnectionWatchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.armed || w.stopped {
		return
	}
	w.armed = true
	w.rearmLocked()
}

// Reset pushes the deadline out by the full timeout.
func (w *ConnectionWatchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed || w.stopped {
		return
	}
	w.rearmLocked()
}

// Stop cancels the watchdog for good. No expiry can begin after Stop returns.
func (w *ConnectionWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *ConnectionWatchdog) rearmLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.generation++
	gen := w.generation
	w.deadline = w.clock.Now().Add(w.timeout)
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *ConnectionWatchdog) expire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.timer = nil
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire()
	}
}
