package automation

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

// DefaultConcurrency is the per-instance limit when no override applies.
const DefaultConcurrency = 5

// SchedulerConfig configures per-instance concurrency.
type SchedulerConfig struct {
	DefaultConcurrency int
	Overrides          map[string]int // instance ID -> limit
}

func (c SchedulerConfig) limitFor(instanceID string) int {
	if n, ok := c.Overrides[instanceID]; ok && n > 0 {
		return n
	}
	if c.DefaultConcurrency > 0 {
		return c.DefaultConcurrency
	}
	return DefaultConcurrency
}

// InstanceQueueStats is a point-in-time view of one instance queue.
type InstanceQueueStats struct {
	InstanceID   string `json:"instanceId"`
	ActiveCount  int    `json:"activeCount"`
	PendingCount int    `json:"pendingCount"`
}

type instanceQueue struct {
	id      string
	limit   int
	active  int
	pending []func()
}

// InstanceScheduler runs work with bounded concurrency per instance.
// Work beyond the limit waits in a FIFO queue; Submit never blocks or drops.
type InstanceScheduler struct {
	cfg     SchedulerConfig
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string]*instanceQueue
	wg     sync.WaitGroup
}

// NewInstanceScheduler creates a scheduler.
func NewInstanceScheduler(cfg SchedulerConfig, metrics *Metrics, logger *slog.Logger) *InstanceScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceScheduler{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		queues:  make(map[string]*instanceQueue),
	}
}

// Submit schedules fn on the instance's queue.
func (s *InstanceScheduler) Submit(instanceID string, fn func()) {
	s.mu.Lock()
	q, ok := s.queues[instanceID]
	if !ok {
		q = &instanceQueue{id: instanceID, limit: s.cfg.limitFor(instanceID)}
		s.queues[instanceID] = q
	}
	s.wg.Add(1)
	if q.active < q.limit {
		q.active++
		s.observeLocked(q)
		s.mu.Unlock()
		go s.drain(q, fn)
		return
	}
	q.pending = append(q.pending, fn)
	s.observeLocked(q)
	s.mu.Unlock()
}

// drain runs fn, then keeps the slot busy with queued work until the queue is empty.
func (s *InstanceScheduler) drain(q *instanceQueue, fn func()) {
	for {
		s.runSafe(q.id, fn)
		s.wg.Done()

		s.mu.Lock()
		if len(q.pending) == 0 {
			q.active--
			s.observeLocked(q)
			if q.active == 0 {
				delete(s.queues, q.id)
			}
			s.mu.Unlock()
			return
		}
		fn = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		s.observeLocked(q)
		s.mu.Unlock()
	}
}

func (s *InstanceScheduler) runSafe(instanceID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled work panicked",
				slog.String("instance_id", instanceID),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

func (s *InstanceScheduler) observeLocked(q *instanceQueue) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueActive.WithLabelValues(q.id).Set(float64(q.active))
	s.metrics.QueuePending.WithLabelValues(q.id).Set(float64(len(q.pending)))
}

// Snapshot returns the live instance queues ordered by instance ID.
func (s *InstanceScheduler) Snapshot() []InstanceQueueStats {
	s.mu.Lock()
	out := make([]InstanceQueueStats, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, InstanceQueueStats{
			InstanceID:   q.id,
			ActiveCount:  q.active,
			PendingCount: len(q.pending),
		})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b InstanceQueueStats) int { return cmp.Compare(a.InstanceID, b.InstanceID) })
	return out
}

// Wait blocks until all submitted work has finished or ctx is done.
func (s *InstanceScheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon discards all queued work that has not started and returns how
// many items were dropped. Running work is unaffected.
func (s *InstanceScheduler) Abandon() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, q := range s.queues {
		dropped += len(q.pending)
		q.pending = nil
		s.observeLocked(q)
		if q.active == 0 {
			delete(s.queues, id)
		}
	}
	if dropped > 0 {
		s.wg.Add(-dropped)
	}
	return dropped
}
