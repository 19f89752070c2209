// Package batch fans job specifications out over the job state machine with
// bounded parallelism, per-job retry, and an overall wall-clock deadline.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jo-hoe/pixelsmith/internal/jobs"
	"github.com/jo-hoe/pixelsmith/internal/store"
)

const (
	MinConcurrent = 1
	MaxConcurrent = 10
	MaxSpecs      = 100
	MinTimeout    = time.Second
	MaxTimeout    = time.Hour
	MaxRetries    = 5
	MinRetryDelay = 100 * time.Millisecond
	MaxRetryDelay = 60 * time.Second

	defaultPollInterval = 500 * time.Millisecond
	defaultGrace        = 2 * time.Second
)

// TimeoutReason is reported for jobs that did not settle before the deadline.
const TimeoutReason = "Timeout"

// RetryPolicy retries failed jobs whose error message case-insensitively
// contains one of the patterns. Each retry creates a brand-new job.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Patterns   []string
}

func (p *RetryPolicy) matches(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, pat := range p.Patterns {
		if pat != "" && strings.Contains(msg, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// Options bound a single batch execution.
type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	Retry         *RetryPolicy

	// PollInterval and Grace default when zero; exposed so tests can
	// tighten them.
	PollInterval time.Duration
	Grace        time.Duration
}

func (o *Options) validate(specCount int) error {
	if specCount < 1 || specCount > MaxSpecs {
		return fmt.Errorf("%w: spec count must be 1..%d, got %d", jobs.ErrInvalidInput, MaxSpecs, specCount)
	}
	if o.MaxConcurrent < MinConcurrent || o.MaxConcurrent > MaxConcurrent {
		return fmt.Errorf("%w: max_concurrent must be %d..%d, got %d", jobs.ErrInvalidInput, MinConcurrent, MaxConcurrent, o.MaxConcurrent)
	}
	if o.Timeout < MinTimeout || o.Timeout > MaxTimeout {
		return fmt.Errorf("%w: timeout must be %s..%s, got %s", jobs.ErrInvalidInput, MinTimeout, MaxTimeout, o.Timeout)
	}
	if p := o.Retry; p != nil {
		if p.MaxRetries < 0 || p.MaxRetries > MaxRetries {
			return fmt.Errorf("%w: max_retries must be 0..%d, got %d", jobs.ErrInvalidInput, MaxRetries, p.MaxRetries)
		}
		if p.Delay < MinRetryDelay || p.Delay > MaxRetryDelay {
			return fmt.Errorf("%w: retry_delay must be %s..%s, got %s", jobs.ErrInvalidInput, MinRetryDelay, MaxRetryDelay, p.Delay)
		}
	}
	return nil
}

// JobResult is the settled outcome of one spec, pointing at the job id of
// the final attempt.
type JobResult struct {
	JobID       string          `json:"job_id"`
	Prompt      string          `json:"prompt"`
	Status      store.JobStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	OutputPaths []string        `json:"output_paths,omitempty"`
	HistoryID   string          `json:"history_id,omitempty"`
}

// Result aggregates one batch execution.
type Result struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	TotalCost *float64      `json:"total_cost,omitempty"`
	Jobs      []JobResult   `json:"jobs"`
}

// JobService is the slice of the job state machine the runner drives.
type JobService interface {
	Create(spec jobs.Spec) (string, error)
	Start(id string) error
	Get(id string) (*store.Job, error)
}

// HistoryReader resolves history records for the cost rollup.
type HistoryReader interface {
	GetHistory(id string) (*store.History, error)
}

// Runner executes batches. It never mutates job records itself; everything
// goes through the job state machine.
type Runner struct {
	log     *slog.Logger
	jobs    JobService
	history HistoryReader
}

func NewRunner(log *slog.Logger, svc JobService, history HistoryReader) *Runner {
	return &Runner{log: log, jobs: svc, history: history}
}

// Execute runs all specs and blocks until every spec settles or the deadline
// plus grace period passes. Per-spec failures never fail the batch.
func (r *Runner) Execute(ctx context.Context, specs []jobs.Spec, opts Options) (*Result, error) {
	if err := opts.validate(len(specs)); err != nil {
		return nil, err
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	startedAt := time.Now().UTC()
	r.log.Info("batch started", "specs", len(specs), "max_concurrent", opts.MaxConcurrent, "timeout", opts.Timeout)

	// runCtx stays live through the grace period so in-flight jobs can
	// settle after the deadline fires.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		settled  = make([]bool, len(specs))
		results  = make([]JobResult, len(specs))
		wg       sync.WaitGroup
		sem      = semaphore.NewWeighted(int64(opts.MaxConcurrent))
		allDone  = make(chan struct{})
	)
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec jobs.Spec) {
			defer wg.Done()
			if err := sem.Acquire(runCtx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			res := r.runOne(runCtx, spec, opts.Retry, poll)
			mu.Lock()
			results[i] = res
			settled[i] = true
			mu.Unlock()
		}(i, spec)
	}
	go func() {
		defer close(allDone)
		wg.Wait()
	}()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	select {
	case <-allDone:
	case <-deadline.C:
		r.log.Warn("batch deadline reached, entering grace period", "grace", grace)
		graceTimer := time.NewTimer(grace)
		select {
		case <-allDone:
		case <-graceTimer.C:
		}
		graceTimer.Stop()
	}
	cancel()

	endedAt := time.Now().UTC()
	result := &Result{
		Total:     len(specs),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt.Sub(startedAt),
		Jobs:      make([]JobResult, len(specs)),
	}
	mu.Lock()
	for i := range specs {
		if settled[i] {
			result.Jobs[i] = results[i]
			continue
		}
		// Unsettled at the deadline: reported as cancelled without
		// touching the stored job, which may still finish on its own.
		result.Jobs[i] = JobResult{
			Prompt: specs[i].Request.Prompt,
			Status: store.StatusCancelled,
			Error:  TimeoutReason,
		}
	}
	mu.Unlock()

	var costSum float64
	costSeen := false
	for _, jr := range result.Jobs {
		switch jr.Status {
		case store.StatusCompleted:
			result.Succeeded++
		case store.StatusCancelled:
			result.Cancelled++
		default:
			result.Failed++
		}
		if jr.Status == store.StatusCompleted && jr.HistoryID != "" {
			h, err := r.history.GetHistory(jr.HistoryID)
			if err != nil {
				r.log.Warn("cost rollup: load history", "history_id", jr.HistoryID, "err", err)
				continue
			}
			if h != nil && h.EstimatedCost != nil {
				costSum += *h.EstimatedCost
				costSeen = true
			}
		}
	}
	if costSeen {
		result.TotalCost = &costSum
	}

	r.log.Info("batch finished",
		"succeeded", result.Succeeded, "failed", result.Failed,
		"cancelled", result.Cancelled, "duration", result.Duration)
	return result, nil
}

// runOne drives a single spec to a settled outcome, creating a fresh job for
// every retry attempt. The failed attempts stay in the store untouched.
func (r *Runner) runOne(ctx context.Context, spec jobs.Spec, retry *RetryPolicy, poll time.Duration) JobResult {
	attempt := 0
	for {
		attempt++
		res := JobResult{Prompt: spec.Request.Prompt, Attempts: attempt}

		id, err := r.jobs.Create(spec)
		if err != nil {
			res.Status = store.StatusFailed
			res.Error = err.Error()
			return res
		}
		res.JobID = id
		if err := r.jobs.Start(id); err != nil {
			res.Status = store.StatusFailed
			res.Error = err.Error()
			return res
		}

		job, err := r.awaitTerminal(ctx, id, poll)
		if err != nil {
			res.Status = store.StatusCancelled
			res.Error = TimeoutReason
			return res
		}

		res.Status = job.Status
		if job.ErrorMessage != nil {
			res.Error = *job.ErrorMessage
		}
		res.OutputPaths = job.OutputPaths
		if job.HistoryID != nil {
			res.HistoryID = *job.HistoryID
		}

		if job.Status != store.StatusFailed || retry == nil {
			return res
		}
		if attempt > retry.MaxRetries || !retry.matches(res.Error) {
			return res
		}
		r.log.Info("retrying job spec", "failed_job_id", id, "attempt", attempt, "delay", retry.Delay)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(retry.Delay):
		}
	}
}

func (r *Runner) awaitTerminal(ctx context.Context, id string, poll time.Duration) (*store.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		job, err := r.jobs.Get(id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
