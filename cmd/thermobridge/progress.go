package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/thermobridge/internal/supervisor"
	"github.com/srg/thermobridge/internal/thermometer"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"

	// A dot is printed every readingsPerDot readings, a comma every readingsPerComma.
	readingsPerDot   = 100
	readingsPerComma = 10000
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ProgressPrinter displays a countdown for a bounded operation.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(...)
//	p.Start()
//	defer p.Stop()
//
// The caller must call Stop to terminate the internal goroutine.
// A ProgressPrinter is single-use.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value        // stores string - current phase name
	stopPhases map[string]struct{} // set of phases that trigger a graceful shutdown
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{} // closed when goroutine exits
	started    atomic.Bool   // ensures Start is called at most once
	duration   time.Duration
}

// NewCountdownProgressPrinter creates a progress printer that counts down from the duration.
// stopPhases are phase names that will trigger automatic cleanup when set via Callback.
func NewCountdownProgressPrinter(out io.Writer, prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{})
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: stopSet,
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
					return
				}
				p.printProgress(phase, p.remaining())
			}
		}
	}()
}

// remaining rounds the time left to the nearest second. Unbounded scans show no counter.
func (p *ProgressPrinter) remaining() int {
	if p.duration <= 0 {
		return 0
	}
	left := p.duration - time.Since(p.startTime)
	if left <= 0 {
		return 0
	}
	return int(left.Seconds() + 0.5)
}

// printProgress displays a progress line with optional remaining seconds
func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a progress callback function that updates the phase.
// If the new phase is a stop phase, Stop() is called automatically.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line.
// Safe to call multiple times and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}

// StreamReporter prints the bridge's life cycle the way an operator watches it:
//
//	Waiting for Bluetooth... OK
//	Finding thermometer... OK
//	Connecting... OK
//	Pairing... OK
//	Data connected
//	..........,
//
// Each phase is closed with OK when the next one starts, or FAILED when the
// attempt ends. Streaming prints nothing itself; the first reading announces it.
type StreamReporter struct {
	mu      sync.Mutex
	out     io.Writer
	pending bool
	dots    bool
}

func NewStreamReporter(out io.Writer) *StreamReporter {
	return &StreamReporter{out: out}
}

// Phase is a supervisor.ProgressCallback.
func (r *StreamReporter) Phase(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endDots()
	if r.pending {
		fmt.Fprintln(r.out, "OK")
		r.pending = false
	}
	if phase == supervisor.PhaseStreaming {
		return
	}
	fmt.Fprintf(r.out, "%s... ", phase)
	r.pending = true
}

// Reading is a supervisor OnReading callback. count restarts at 1 for every session.
func (r *StreamReporter) Reading(count uint64, _ thermometer.ProbeReading) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case count == 1:
		fmt.Fprintln(r.out, "Data connected")
	case count%readingsPerComma == 0:
		fmt.Fprint(r.out, ",")
		r.dots = true
	case count%readingsPerDot == 0:
		fmt.Fprint(r.out, ".")
		r.dots = true
	}
}

// Retry is a supervisor OnRetry callback.
func (r *StreamReporter) Retry(_ int, err error, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fail()
	if err != nil {
		fmt.Fprintln(r.out, FormatUserError(err))
	}
	fmt.Fprintf(r.out, "Retrying in %ds\n", int(delay.Round(time.Second)/time.Second))
}

// Done closes an open phase once the supervisor has returned.
func (r *StreamReporter) Done(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.endDots()
		if r.pending {
			fmt.Fprintln(r.out, "OK")
			r.pending = false
		}
		return
	}
	r.fail()
}

func (r *StreamReporter) fail() {
	r.endDots()
	if r.pending {
		fmt.Fprintln(r.out, "FAILED")
		r.pending = false
	}
}

func (r *StreamReporter) endDots() {
	if r.dots {
		fmt.Fprintln(r.out)
		r.dots = false
	}
}
