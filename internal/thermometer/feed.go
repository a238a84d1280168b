package thermometer

import (
	"sync"

	"github.com/srg/thermobridge/internal/ringchan"
)

// Feed is a session's reading stream: one producer, any number of
// subscribers. Each subscriber holds at most the latest undelivered
// reading, and a new subscriber immediately receives the last known one.
type Feed struct {
	mu     sync.Mutex
	last   ProbeReading
	seen   bool
	subs   map[*Subscription]struct{}
	done   chan struct{}
	err    error
	closed bool
}

// Subscription is one consumer's view of a Feed.
type Subscription struct {
	feed *Feed
	ch   *ringchan.RingChannel[ProbeReading]
}

func newFeed() *Feed {
	return &Feed{
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe attaches a consumer. On a closed feed the subscription yields
// the last reading, if any, and then ends.
func (f *Feed) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscription{feed: f, ch: ringchan.New[ProbeReading](1)}
	if f.seen {
		sub.ch.Send(f.last)
	}
	if f.closed {
		sub.ch.Close()
		return sub
	}
	f.subs[sub] = struct{}{}
	return sub
}

func (f *Feed) publish(r ProbeReading) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.last, f.seen = r, true
	for sub := range f.subs {
		sub.ch.Send(r)
	}
}

// close ends the stream with cause (nil for a clean stop). Only the first call counts.
func (f *Feed) close(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	f.err = cause
	for sub := range f.subs {
		sub.ch.Close()
	}
	f.subs = nil
	close(f.done)
}

// Latest returns the last published reading.
func (f *Feed) Latest() (ProbeReading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.seen
}

// Done is closed when the stream ends.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Err returns the terminal cause once Done is closed; nil for a clean stop.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// C delivers readings in arrival order and is closed when the feed ends.
func (s *Subscription) C() <-chan ProbeReading {
	return s.ch.C()
}

// Err returns the feed's terminal cause. Check it after C is closed.
func (s *Subscription) Err() error {
	return s.feed.Err()
}

// Overwritten reports how many readings this subscriber missed because it was slow.
func (s *Subscription) Overwritten() int64 {
	return s.ch.GetMetrics().Overwritten
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()
	s.ch.Close()
}
