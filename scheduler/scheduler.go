/*
scheduler.go - Periodic background jobs

PURPOSE:
  Runs the retry processor and the expiration batch on fixed intervals.
  Each job gets its own goroutine and ticker, so a slow expiration run
  never delays retries.

DESIGN:
  - A job runs once immediately on Start, then on every tick
  - Runs of the same job never overlap (one goroutine per job)
  - Each run is bounded by Timeout and cancelled by Stop
  - The last run of every job is kept for the admin API

USAGE:
  s := scheduler.New(
      scheduler.RetryJob(processor, time.Minute),
      scheduler.ExpireJob(l, 500, time.Hour),
  )
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - retry/processor.go: ProcessBatch
  - ledger/expire.go:   ExpireBatch
  - api/handlers.go:    POST /api/admin/jobs/{name}/run (manual trigger)
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/retry"
)

// DefaultTimeout bounds a single job run.
const DefaultTimeout = 5 * time.Minute

var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (summary string, err error)
}

// RunRecord describes the most recent run of a job.
type RunRecord struct {
	Job         string    `json:"job"`
	Status      string    `json:"status"` // running, completed, failed
	Summary     string    `json:"summary,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	Runs        int       `json:"runs"`
}

type Scheduler struct {
	Jobs    []Job
	Enabled bool
	Timeout time.Duration
	Logger  *slog.Logger

	stop    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	runsMu sync.Mutex
	runs   map[string]RunRecord
}

func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		Jobs:    jobs,
		Enabled: true,
		Timeout: DefaultTimeout,
		runs:    make(map[string]RunRecord),
	}
}

func (s *Scheduler) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With("component", "scheduler")
	}
	return s.Logger
}

// Start launches one goroutine per job. It is a no-op when disabled or
// already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log().Info("scheduler disabled, not starting")
		return
	}
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, job := range s.Jobs {
		if job.Interval <= 0 {
			s.log().Warn("job has no interval, skipping", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(job)
		s.log().Info("job scheduled", "job", job.Name, "interval", job.Interval)
	}
}

// Stop cancels in-flight runs and waits for every job goroutine to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.started = false
	s.log().Info("scheduler stopped")
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.execute(s.ctx, job)

	for {
		select {
		case <-ticker.C:
			s.execute(s.ctx, job)
		case <-s.stop:
			return
		}
	}
}

// RunNow runs the named job synchronously (for the admin API and CLI).
func (s *Scheduler) RunNow(ctx context.Context, name string) (RunRecord, error) {
	for _, job := range s.Jobs {
		if job.Name == name {
			rec := s.execute(ctx, job)
			if rec.Status == "failed" {
				return rec, errors.New(rec.Error)
			}
			return rec, nil
		}
	}
	return RunRecord{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

func (s *Scheduler) execute(ctx context.Context, job Job) RunRecord {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := s.record(job.Name, func(r *RunRecord) {
		r.Status = "running"
		r.StartedAt = time.Now().UTC()
		r.CompletedAt = time.Time{}
		r.Summary, r.Error = "", ""
		r.Runs++
	})

	summary, err := s.safeRun(ctx, job)
	return s.record(job.Name, func(r *RunRecord) {
		r.CompletedAt = time.Now().UTC()
		r.Summary = summary
		if err != nil {
			r.Status = "failed"
			r.Error = err.Error()
			s.log().Error("job failed", "job", job.Name, "run", rec.Runs, "error", err)
			return
		}
		r.Status = "completed"
		if summary != "" {
			s.log().Info("job completed", "job", job.Name, "summary", summary)
		}
	})
}

// safeRun keeps a panicking job from taking the process down.
func (s *Scheduler) safeRun(ctx context.Context, job Job) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func (s *Scheduler) record(name string, update func(*RunRecord)) RunRecord {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if s.runs == nil {
		s.runs = make(map[string]RunRecord)
	}
	r := s.runs[name]
	r.Job = name
	update(&r)
	s.runs[name] = r
	return r
}

// LastRuns returns the latest run of every job that has run, by name.
func (s *Scheduler) LastRuns() []RunRecord {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// =============================================================================
// JOBS
// =============================================================================

// RetryJob replays due pending operations.
func RetryJob(p *retry.Processor, interval time.Duration) Job {
	return Job{
		Name:     "retry",
		Interval: interval,
		Run: func(ctx context.Context) (string, error) {
			res, err := p.ProcessBatch(ctx)
			summary := fmt.Sprintf("due=%d completed=%d rescheduled=%d failed=%d skipped=%d released=%d",
				res.Due, res.Completed, res.Rescheduled, res.Failed, res.Skipped, res.Released)
			return summary, err
		},
	}
}

// ExpireJob reclaims expired points, up to batch entries per run.
func ExpireJob(l *ledger.Ledger, batch int, interval time.Duration) Job {
	return Job{
		Name:     "expire",
		Interval: interval,
		Run: func(ctx context.Context) (string, error) {
			sum, err := l.ExpireBatch(ctx, batch)
			summary := fmt.Sprintf("users=%d entries=%d points=%d failed=%d",
				sum.Users, sum.Entries, sum.Points, sum.Failed)
			return summary, err
		},
	}
}
