// Package output fans formatted captions out to independent destinations,
// each with its own queue and worker goroutine.
package output

import (
	"sync"
	"sync/atomic"

	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// DefaultQueueDepth is the per-destination queue size
const DefaultQueueDepth = 64

// Item is one caption update for a destination. A clearance blanks the destination.
type Item struct {
	Output    *caption.Output
	Clearance bool
}

// Control is the queue and stop state shared between a Writer and its worker
type Control struct {
	queue    chan Item
	stop     atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewControl creates a control with a queue of depth items
func NewControl(depth int) *Control {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Control{
		queue:  make(chan Item, depth),
		stopCh: make(chan struct{}),
	}
}

// StopSoon tells the worker to exit; items still queued are dropped
func (c *Control) StopSoon() {
	c.stopOnce.Do(func() {
		c.stop.Store(true)
		close(c.stopCh)
	})
}

// Stopping reports whether StopSoon was called
func (c *Control) Stopping() bool {
	return c.stop.Load()
}

// Done is closed once StopSoon was called
func (c *Control) Done() <-chan struct{} {
	return c.stopCh
}

func (c *Control) enqueue(item Item) bool {
	if c.stop.Load() {
		return false
	}
	select {
	case c.queue <- item:
		return true
	default:
		return false
	}
}

// Next blocks until an item is available or the control is stopped
func (c *Control) Next() (Item, bool) {
	if c.stop.Load() {
		return Item{}, false
	}
	select {
	case item := <-c.queue:
		if c.stop.Load() {
			return Item{}, false
		}
		return item, true
	case <-c.stopCh:
		return Item{}, false
	}
}

// Writer is the enqueue side of one destination. The control can be swapped
// while callers keep enqueueing.
type Writer struct {
	name string

	mu      sync.Mutex
	control *Control
}

// NewWriter creates a writer without a control; Enqueue fails until one is set
func NewWriter(name string) *Writer {
	return &Writer{name: name}
}

// Name returns the destination name
func (w *Writer) Name() string {
	return w.name
}

// SetControl installs ctl, stopping the previous control
func (w *Writer) SetControl(ctl *Control) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.control != nil {
		w.control.StopSoon()
	}
	w.control = ctl
}

// Clear stops and removes the current control
func (w *Writer) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.control != nil {
		w.control.StopSoon()
		w.control = nil
	}
}

// Active reports whether a running control is installed
func (w *Writer) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.control != nil && !w.control.Stopping()
}

// Enqueue hands item to the worker without blocking. It returns false when no
// worker is running or the queue is full.
func (w *Writer) Enqueue(item Item) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.control == nil {
		return false
	}
	if !w.control.enqueue(item) {
		observability.RecordSinkWrite(w.name, "queue_rejected")
		return false
	}
	return true
}
