// Package scheduler runs periodic housekeeping jobs, such as the automation
// log retention sweep, on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/omni/internal/automation"
)

// ErrUnknownJob is returned by RunNow for names that were never added.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	run  JobFunc
}

// Scheduler runs named jobs on cron specs. Standard five-field specs and
// descriptors such as "@daily" or "@every 1h" are accepted.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

// New creates a Scheduler. Times are evaluated in UTC.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Add registers a job. The spec is validated immediately.
func (s *Scheduler) Add(name, spec string, run JobFunc) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.mu.Lock()
	if _, exists := s.jobs[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, spec: spec, run: run}
	s.jobs[name] = j
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(spec, func() { s.fire(s.runContext(), j) }); err != nil {
		return fmt.Errorf("scheduling job %s: %w", name, err)
	}
	return nil
}

// Start begins running jobs on their schedules. Returns a stop function
// that waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "housekeeping scheduler started", slog.Int("jobs", n))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("housekeeping scheduler stopped")
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.fire(ctx, j)
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) fire(ctx context.Context, j *job) (err error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.JobsFired.WithLabelValues(j.name).Inc()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
			s.logger.ErrorContext(ctx, "housekeeping job panicked",
				slog.String("job", j.name),
				slog.String("stack", string(debug.Stack())),
			)
		}
		if s.metrics != nil {
			s.metrics.JobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.JobsFailed.WithLabelValues(j.name).Inc()
			} else {
				s.metrics.JobsSucceeded.WithLabelValues(j.name).Inc()
			}
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "housekeeping job failed",
				slog.String("job", j.name),
				slog.String("error", err.Error()),
			)
		}
	}()
	return j.run(ctx)
}

// RetentionJob deletes automation logs older than maxAge.
func RetentionJob(logs automation.LogStore, maxAge time.Duration, metrics *Metrics, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-maxAge)
		n, err := logs.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("retention sweep: %w", err)
		}
		if metrics != nil {
			metrics.LogsDeleted.Add(float64(n))
		}
		logger.InfoContext(ctx, "automation log retention sweep",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
		return nil
	}
}
