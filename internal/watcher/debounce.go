package watcher

import (
	"sync"
	"time"

	"github.com/listenupapp/fswatch/internal/metrics"
)

// DefaultQuantum is the quiet period after the last trigger before a flush.
const DefaultQuantum = 50 * time.Millisecond

// Debouncer coalesces bursts of triggers into a single flush of every
// registered callback. A flush happens once no trigger has arrived for a full
// quantum. The loop goroutine runs only while callbacks are registered.
type Debouncer struct {
	quantum time.Duration
	metrics *metrics.Metrics

	mu        sync.Mutex
	callbacks map[uint64]func()
	trigger   chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewDebouncer creates a debouncer. A non-positive quantum selects DefaultQuantum.
func NewDebouncer(quantum time.Duration) *Debouncer {
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	return &Debouncer{
		quantum:   quantum,
		callbacks: make(map[uint64]func()),
	}
}

// Add registers flush under id, starting the loop if it is not running.
func (d *Debouncer) Add(id uint64, flush func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callbacks[id] = flush
	if d.stop == nil {
		d.trigger = make(chan struct{}, 1)
		d.stop = make(chan struct{})
		d.wg.Add(1)
		go d.loop(d.trigger, d.stop)
	}
}

// Remove unregisters id. Removing the last callback stops the loop without
// waiting for it, so Remove may be called from inside a flush.
func (d *Debouncer) Remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.callbacks, id)
	if len(d.callbacks) == 0 && d.stop != nil {
		close(d.stop)
		d.stop = nil
		d.trigger = nil
	}
}

// Trigger starts or restarts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	ch := d.trigger
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Len returns the number of registered callbacks.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.callbacks)
}

// Close drops every callback and waits for the loop to exit.
// It must not be called from inside a flush.
func (d *Debouncer) Close() {
	d.mu.Lock()
	clear(d.callbacks)
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
		d.trigger = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Debouncer) loop(trigger <-chan struct{}, stop <-chan struct{}) {
	defer d.wg.Done()

	timer := time.NewTimer(d.quantum)
	timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-trigger:
		}

		timer.Reset(d.quantum)
	wait:
		for {
			select {
			case <-stop:
				timer.Stop()
				return
			case <-trigger:
				timer.Reset(d.quantum)
			case <-timer.C:
				break wait
			}
		}

		d.flush()
	}
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.callbacks))
	for _, fn := range d.callbacks {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	d.metrics.DebounceFlushed()
	for _, fn := range fns {
		fn()
	}
}
