package durability

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Grounded on the teacher's internal/coordinator/health_monitor_test.go:
// same testify-driven "tick a few times, assert on observed call count"
// shape, adapted from per-node health checks to a single sweep counter.
func TestMonitorTicksSweep(t *testing.T) {
	var calls int32
	m := New(10*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	}, nil)

	m.Start()
	time.Sleep(60 * time.Millisecond)
	m.Stop()

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), 3, "expected at least 3 sweeps")
}

func TestMonitorZeroIntervalDisabled(t *testing.T) {
	var calls int32
	m := New(0, func() {
		atomic.AddInt32(&calls, 1)
	}, nil)

	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestMonitorRecoversFromPanic(t *testing.T) {
	var calls int32
	m := New(10*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	}, nil)

	m.Start()
	time.Sleep(45 * time.Millisecond)
	m.Stop()

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), 2, "a panicking sweep must not kill the ticker loop")
}

func TestMonitorStopIsIdempotentWithWaitGroup(t *testing.T) {
	m := New(5*time.Millisecond, func() {}, nil)
	m.Start()
	time.Sleep(15 * time.Millisecond)
	m.Stop()

	// Calling Stop twice must not panic or double-wait forever: cancel on an
	// already-cancelled context is safe, and wg.Wait() on an already-done
	// WaitGroup returns immediately.
	m.Stop()
}
