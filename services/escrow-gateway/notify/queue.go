package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Event is a queued transactional notification addressed to a single user.
type Event struct {
	Recipient  uuid.UUID
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

type task struct {
	event      Event
	attempt    int
	notBefore  time.Time
	enqueuedAt time.Time
}

const (
	defaultTaskCapacity = 1024
	defaultQueueTTL     = 15 * time.Minute
)

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// WithTaskCapacity sets the maximum number of pending notifications.
func WithTaskCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued items remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded in-memory buffer between the escrow engine and the
// delivery worker. Overflow drops the oldest entry; drops are counted, never
// surfaced to the enqueuing operation.
type Queue struct {
	mu      sync.Mutex
	tasks   ring[task]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue constructs a bounded queue with optional customisation.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultTaskCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newRing[task](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedQueueMetrics(),
	}
}

// Notify enqueues an event for asynchronous delivery. It never blocks and
// never fails; this is the fire-and-forget contract the engine relies on.
func (q *Queue) Notify(recipient uuid.UUID, eventType string, attrs map[string]string) {
	q.enqueue(task{event: Event{
		Recipient:  recipient,
		Type:       eventType,
		Attributes: attrs,
		CreatedAt:  q.now(),
	}})
}

func (q *Queue) enqueue(t task) {
	now := q.now()
	t.enqueuedAt = now
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if _, dropped := q.tasks.push(t); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of queued notifications. Primarily used in tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	return q.tasks.len()
}

// dequeue waits for the next deliverable task. Returns false if the context
// is cancelled.
func (q *Queue) dequeue(ctx context.Context) (task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := queued.notBefore.Sub(q.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return task{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			q.metrics.recordDropped("ttl", 1)
			continue
		}
		return queued, true
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok {
			break
		}
		if now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int      { return r.size }
func (r *ring[T]) capacity() int { return len(r.buf) }

var (
	metricsOnce   sync.Once
	metricsShared *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("booklink/escrow-gateway")
		counter, err := meter.Int64Counter("booklink.escrow.notifications.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("booklink/escrow-gateway")
			counter, _ = fallback.Int64Counter("booklink.escrow.notifications.dropped")
		}
		metricsShared = &queueMetrics{dropped: counter}
	})
	return metricsShared
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
