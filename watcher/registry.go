package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"escrowd/observability"
	"escrowd/storage"
)

const (
	defaultJobAttempts   = 3
	defaultJobBackoff    = 2 * time.Second
	defaultJobsPerSecond = 10
)

// JobRunner executes one job attempt for one escrow.
type JobRunner interface {
	Run(ctx context.Context, job Job) error
}

// Registry owns the set of escrows still in a non-terminal phase and the 1:1
// worker bound to each. Activation and deactivation are idempotent; workers
// consume their queue with concurrency exactly one, and all workers share a
// single rate ceiling on external calls.
type Registry struct {
	runner   JobRunner
	store    *storage.Store
	network  string
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
	log      *slog.Logger
	metrics  *observability.Metrics
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	workers map[common.Address]*entityWorker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type entityWorker struct {
	queue  *jobQueue
	cancel context.CancelFunc
}

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithJobAttempts bounds how many times a job is attempted before it is
// recorded as failed.
func WithJobAttempts(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithJobBackoff sets the first job retry delay; subsequent delays double.
func WithJobBackoff(base time.Duration) RegistryOption {
	return func(r *Registry) {
		if base > 0 {
			r.backoff = base
		}
	}
}

// WithRateLimit caps the aggregate job rate across all entity workers.
func WithRateLimit(perSecond float64) RegistryOption {
	return func(r *Registry) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithRegistryLogger supplies a structured logger.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// withJobSleeper overrides the retry sleeper (test only).
func withJobSleeper(sleep func(ctx context.Context, d time.Duration) error) RegistryOption {
	return func(r *Registry) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// NewRegistry constructs the registry. Start must be called before Activate.
func NewRegistry(runner JobRunner, store *storage.Store, network string, opts ...RegistryOption) *Registry {
	r := &Registry{
		runner:   runner,
		store:    store,
		network:  network,
		limiter:  rate.NewLimiter(rate.Limit(defaultJobsPerSecond), 1),
		attempts: defaultJobAttempts,
		backoff:  defaultJobBackoff,
		log:      slog.Default(),
		metrics:  observability.OracleMetrics(),
		workers:  make(map[common.Address]*entityWorker),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds the registry to its lifetime context and rebuilds the active
// set from the durable store.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.mu.Unlock()

	recs, err := r.store.ActiveEscrows(ctx, r.network)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		r.Activate(common.HexToAddress(rec.Address))
	}
	r.log.Info("registry rehydrated", "active", len(recs), "network", r.network)
	return nil
}

// Activate binds a worker to the escrow. Re-activating is a no-op.
func (r *Registry) Activate(escrow common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	if _, ok := r.workers[escrow]; ok {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	w := &entityWorker{queue: newJobQueue(defaultQueueCapacity), cancel: cancel}
	r.workers[escrow] = w
	r.metrics.ActiveEscrows.Set(float64(len(r.workers)))
	r.wg.Add(1)
	go r.runWorker(ctx, escrow, w.queue)
	r.log.Info("worker started", "escrow", escrow.Hex())
}

// Deactivate stops the escrow's worker and releases its queue. Idempotent;
// called when the cached phase reaches the terminal value.
func (r *Registry) Deactivate(escrow common.Address) {
	r.mu.Lock()
	w, ok := r.workers[escrow]
	if ok {
		delete(r.workers, escrow)
		r.metrics.ActiveEscrows.Set(float64(len(r.workers)))
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	r.log.Info("worker stopped", "escrow", escrow.Hex())
}

// IsActive reports whether the escrow currently has a worker.
func (r *Registry) IsActive(escrow common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[escrow]
	return ok
}

// ActiveAddresses snapshots the current active set.
func (r *Registry) ActiveAddresses() []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := make([]common.Address, 0, len(r.workers))
	for addr := range r.workers {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Enqueue hands a job to the escrow's serialized queue, activating the escrow
// if it is not yet tracked.
func (r *Registry) Enqueue(escrow common.Address, job Job) {
	r.Activate(escrow)
	r.mu.Lock()
	w, ok := r.workers[escrow]
	r.mu.Unlock()
	if ok {
		w.queue.enqueue(job)
	}
}

// Stop cancels every worker and waits for in-flight jobs up to the grace
// period. Abandoned jobs are re-derivable from the chain on restart.
func (r *Registry) Stop(grace time.Duration) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		r.log.Warn("registry stop grace period expired")
	}
}

func (r *Registry) runWorker(ctx context.Context, escrow common.Address, queue *jobQueue) {
	defer r.wg.Done()
	for {
		job, ok := queue.dequeue(ctx)
		if !ok {
			return
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.runJob(ctx, escrow, job)
	}
}

// runJob drives one job through the bounded retry policy. This outer retry is
// independent of the dispatcher's internal send retry: it covers the whole
// decide-and-confirm unit, including receipt waits.
func (r *Registry) runJob(ctx context.Context, escrow common.Address, job Job) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			r.metrics.JobRetries.Inc()
			delay := r.backoff << uint(attempt-1)
			if err := r.sleep(ctx, delay); err != nil {
				return
			}
		}
		err := r.runner.Run(ctx, job)
		if err == nil {
			r.metrics.JobsProcessed.WithLabelValues("ok").Inc()
			r.metrics.JobDuration.WithLabelValues(job.EventType).Observe(time.Since(start).Seconds())
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			return
		}
		if nonRetryableJob(err) {
			break
		}
		r.log.Warn("job attempt failed", "escrow", escrow.Hex(), "tx", job.TxHash.Hex(), "attempt", attempt+1, "error", err)
	}

	r.metrics.JobsProcessed.WithLabelValues("failed").Inc()
	r.log.Error("job failed permanently", "escrow", escrow.Hex(), "tx", job.TxHash.Hex(), "error", lastErr)
	if err := r.store.RecordFailedJob(ctx, escrow.Hex(), job.EventType, job.TxHash.Hex(), r.attempts, lastErr); err != nil {
		r.log.Error("record failed job", "escrow", escrow.Hex(), "error", err)
	}
}
