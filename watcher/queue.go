package watcher

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Job is one observed candidate event awaiting a decision for one escrow.
type Job struct {
	Escrow      common.Address
	EventType   string
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	From        common.Address
	Amount      *big.Int
}

const defaultQueueCapacity = 1024

// jobQueue is a bounded FIFO feeding exactly one entity worker. On overflow
// the oldest job is dropped and counted; a dropped job is re-derivable from
// the chain on the next backfill round since it was never marked processed.
type jobQueue struct {
	mu   sync.Mutex
	ring queueRing[Job]
}

func newJobQueue(capacity int) *jobQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &jobQueue{ring: newQueueRing[Job](capacity)}
}

func (q *jobQueue) enqueue(job Job) {
	q.mu.Lock()
	_, dropped := q.ring.push(job)
	q.mu.Unlock()
	if dropped {
		queueMetrics().recordDropped("overflow", 1)
	}
}

// dequeue waits for the next job. Returns false when the context is cancelled.
func (q *jobQueue) dequeue(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		job, ok := q.ring.pop()
		q.mu.Unlock()
		if ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.len()
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
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

func (r *queueRing[T]) pop() (T, bool) {
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

func (r *queueRing[T]) len() int {
	return r.size
}

var (
	metricsOnce      sync.Once
	sharedJobMetrics *jobQueueMetrics
)

type jobQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *jobQueueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("escrowd/watcher")
		counter, err := meter.Int64Counter("escrowd.jobs.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("escrowd/watcher")
			counter, _ = fallback.Int64Counter("escrowd.jobs.dropped")
		}
		sharedJobMetrics = &jobQueueMetrics{dropped: counter}
	})
	return sharedJobMetrics
}

func (m *jobQueueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
