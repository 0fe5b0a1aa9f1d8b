// Package queue provides the ordered delivery queue used for inbound and
// outbound message dispatch.
package queue

import (
	"sync"

	"go.uber.org/zap"
)

// Handler processes one item. Returning false halts processing; the
// remaining items stay queued until Process is called again.
type Handler[T any] func(item T) bool

// Queue is a FIFO with an enabled/disabled gate. At most one handler
// invocation is in flight at a time, and handlers run in enqueue order.
//
// Processing happens on a background goroutine so Add/Process never block
// the caller (typically the transport read loop).
type Queue[T any] struct {
	handler Handler[T]
	log     *zap.Logger

	mu         sync.Mutex
	items      []T
	enabled    bool
	processing bool
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	disabled bool
	log      *zap.Logger
}

// Disabled creates the queue with its gate closed.
func Disabled() Option {
	return func(o *options) { o.disabled = true }
}

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// New creates a queue that feeds items to handler.
func New[T any](handler Handler[T], opts ...Option) *Queue[T] {
	if handler == nil {
		panic("queue: handler is required")
	}

	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	return &Queue[T]{
		handler: handler,
		log:     o.log,
		enabled: !o.disabled,
	}
}

// Enable opens the gate without starting processing.
func (q *Queue[T]) Enable() {
	q.mu.Lock()
	q.enabled = true
	q.mu.Unlock()
}

// Disable closes the gate. An in-flight handler completes, but no further
// item is dequeued.
func (q *Queue[T]) Disable() {
	q.mu.Lock()
	q.enabled = false
	q.mu.Unlock()
}

// Enabled reports whether the gate is open.
func (q *Queue[T]) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// Add appends item to the tail.
func (q *Queue[T]) Add(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// AddAndProcess appends item and triggers processing.
func (q *Queue[T]) AddAndProcess(item T) {
	q.Add(item)
	q.Process()
}

// EnableAndProcess opens the gate and triggers processing.
func (q *Queue[T]) EnableAndProcess() {
	q.Enable()
	q.Process()
}

// Len returns the number of queued items, excluding the one in flight.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Process starts draining the queue. It is a no-op when the gate is closed
// or a drain is already running.
func (q *Queue[T]) Process() {
	q.mu.Lock()
	if !q.enabled || q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	go q.drain()
}

// drain is the single consumer loop. It exits when the queue is empty, the
// gate closes, or the handler asks to stop.
func (q *Queue[T]) drain() {
	for {
		q.mu.Lock()
		if !q.enabled || len(q.items) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}

		item := q.items[0]
		var zero T
		q.items[0] = zero // drop the reference held by the backing array
		q.items = q.items[1:]
		q.mu.Unlock()

		if !q.run(item) {
			q.mu.Lock()
			q.processing = false
			q.mu.Unlock()
			return
		}
	}
}

// run invokes the handler, treating a panic like a false result.
func (q *Queue[T]) run(item T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Warn("queue handler panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return q.handler(item)
}
