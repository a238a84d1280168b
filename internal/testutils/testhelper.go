package testutils

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/thermobridge/internal/clock"
)

// Epoch is the start time of every fake clock handed out by TestHelper.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Clock  *clock.FakeClock
}

// NewTestHelper creates a test helper whose logger writes through t.Log.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewTestLogger(t),
		Clock:  clock.Fake(Epoch),
	}
}

// NewTestLogger returns a debug-level logger routed to t.Log so output only
// shows for failing tests or with -v.
func NewTestLogger(t testing.TB) *logrus.Logger {
	w := &testWriter{t: t}
	t.Cleanup(w.close)

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger
}

// testWriter drops output once the test has finished; background
// goroutines may still log during teardown.
type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func (w *testWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
