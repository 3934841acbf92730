package watcher

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDebouncer(30 * time.Millisecond)
	defer d.Close()

	var flushes atomic.Int32
	done := make(chan struct{}, 4)
	d.Add(1, func() {
		flushes.Add(1)
		done <- struct{}{}
	})

	for range 5 {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for flush")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), flushes.Load())
}

func TestDebouncer_SeparateBurstsFlushSeparately(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDebouncer(20 * time.Millisecond)
	defer d.Close()

	done := make(chan struct{}, 4)
	d.Add(1, func() { done <- struct{}{} })

	for range 2 {
		d.Trigger()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for flush")
		}
	}
}

func TestDebouncer_FlushesEveryCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDebouncer(10 * time.Millisecond)
	defer d.Close()

	var a, b atomic.Int32
	done := make(chan struct{}, 2)
	d.Add(1, func() { a.Add(1); done <- struct{}{} })
	d.Add(2, func() { b.Add(1); done <- struct{}{} })
	assert.Equal(t, 2, d.Len())

	d.Trigger()
	for range 2 {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for flush")
		}
	}
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestDebouncer_StopsWhenEmptyAndRestarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDebouncer(10 * time.Millisecond)
	defer d.Close()

	d.Add(1, func() {})
	d.Remove(1)
	assert.Equal(t, 0, d.Len())

	// Triggering with nothing registered is a no-op.
	d.Trigger()

	done := make(chan struct{}, 1)
	d.Add(2, func() { done <- struct{}{} })
	d.Trigger()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for flush after restart")
	}
}

func TestDebouncer_RemoveFromFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDebouncer(10 * time.Millisecond)
	defer d.Close()

	done := make(chan struct{})
	d.Add(1, func() {
		d.Remove(1)
		close(done)
	})
	d.Trigger()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for flush")
	}
	require.Equal(t, 0, d.Len())
}

func TestNewDebouncer_DefaultQuantum(t *testing.T) {
	assert.Equal(t, DefaultQuantum, NewDebouncer(0).quantum)
	assert.Equal(t, 50*time.Millisecond, DefaultQuantum)
}
