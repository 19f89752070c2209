// Package jobs drives the persisted job state machine: pending jobs are
// created synchronously, executed asynchronously, and always resolved through
// the durable store, which stays the single source of truth for status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/pixelsmith/internal/common"
	"github.com/jo-hoe/pixelsmith/internal/store"
	"github.com/jo-hoe/pixelsmith/internal/tools"
)

var (
	// ErrInvalidInput marks a malformed job spec.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState marks an operation not permitted in the job's current state.
	ErrInvalidState = errors.New("invalid job state")
)

// Progress milestones written by the state machine.
const (
	progressStarted    = 10
	progressDelegating = 30
)

// DefaultCancelReason is used when a caller supplies no message.
const DefaultCancelReason = "cancelled by user"

// Store is the persistence the state machine depends on.
type Store interface {
	CreateJob(job *store.Job) error
	GetJob(id string) (*store.Job, error)
	MarkRunning(id string, progress int) (bool, error)
	SetProgress(id string, progress int) error
	CompleteJob(id string, outputPaths []string, historyID string) (bool, error)
	FailJob(id, errMsg string) (bool, error)
	CancelJob(id, reason string) (bool, error)
	ListJobs(f store.JobFilter) ([]*store.Job, error)
	CountJobs(status store.JobStatus) (int, error)
	CleanupJobs(olderThan time.Time) (int64, error)
}

// Spec describes one job to create: which tool to run and its request.
type Spec struct {
	Tool    string
	Request tools.Request
}

// Observer receives lifecycle notifications, typically for metrics.
// Implementations must be fast and must not call back into the Manager.
type Observer interface {
	JobCreated(tool string)
	JobStarted()
	JobDone()
	JobSettled(status string)
}

type noopObserver struct{}

func (noopObserver) JobCreated(string) {}
func (noopObserver) JobStarted()       {}
func (noopObserver) JobDone()          {}
func (noopObserver) JobSettled(string) {}

// Manager owns job lifecycle transitions and the in-flight execution
// registry. The registry is advisory bookkeeping; losing it on restart is
// safe because status is recoverable from the store.
type Manager struct {
	log      *slog.Logger
	store    Store
	registry *tools.Registry
	newID    func() string
	obs      Observer

	mu       sync.Mutex
	inflight map[string]chan struct{}
	wg       sync.WaitGroup
}

func NewManager(log *slog.Logger, s Store, registry *tools.Registry, newID func() string) *Manager {
	return &Manager{
		log:      log,
		store:    s,
		registry: registry,
		newID:    newID,
		obs:      noopObserver{},
		inflight: make(map[string]chan struct{}),
	}
}

// SetObserver installs a lifecycle observer. Call before any job starts.
func (m *Manager) SetObserver(obs Observer) {
	if obs != nil {
		m.obs = obs
	}
}

// Create inserts a new pending job and returns its id.
func (m *Manager) Create(spec Spec) (string, error) {
	if strings.TrimSpace(spec.Request.Prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if _, ok := m.registry.Get(spec.Tool); !ok {
		return "", fmt.Errorf("%w: unknown tool %q", ErrInvalidInput, spec.Tool)
	}

	sampleCount := spec.Request.SampleCount
	if sampleCount <= 0 {
		sampleCount = common.DefaultSampleCount
	}
	now := time.Now().UTC()
	job := &store.Job{
		ID:          m.newID(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      store.StatusPending,
		ToolName:    spec.Tool,
		Prompt:      spec.Request.Prompt,
		Params:      paramsFromRequest(spec.Request),
		SampleCount: sampleCount,
	}
	if err := m.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	m.obs.JobCreated(spec.Tool)
	m.log.Info("job created", "job_id", job.ID, "tool", spec.Tool)
	return job.ID, nil
}

// Start transitions a pending job to running and launches its execution
// without blocking. It returns once the launch is accepted.
func (m *Manager) Start(id string) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.mu.Lock()
	if _, live := m.inflight[id]; live {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s already has a live execution", ErrInvalidState, id)
	}
	done := make(chan struct{})
	m.inflight[id] = done
	m.mu.Unlock()

	ok, err := m.store.MarkRunning(id, progressStarted)
	if err != nil || !ok {
		m.release(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is not pending", ErrInvalidState, id)
	}

	m.obs.JobStarted()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer m.release(id)
		defer m.obs.JobDone()
		m.execute(id, job)
	}()

	m.log.Info("job started", "job_id", id, "tool", job.ToolName)
	return nil
}

// execute runs the job's operation and applies the outcome through the
// conditional store writes so a cancelled job is never overwritten.
// Failures end up in the job record, never in the caller of Start.
func (m *Manager) execute(id string, job *store.Job) {
	op, ok := m.registry.Get(job.ToolName)
	if !ok {
		_, _ = m.store.FailJob(id, fmt.Sprintf("unknown tool %q", job.ToolName))
		return
	}
	if err := m.store.SetProgress(id, progressDelegating); err != nil {
		m.log.Warn("set progress", "job_id", id, "err", err)
	}

	start := time.Now()
	res, err := op(context.Background(), requestFromJob(job))
	if err != nil {
		applied, ferr := m.store.FailJob(id, err.Error())
		if ferr != nil {
			m.log.Error("persist job failure", "job_id", id, "err", ferr)
			return
		}
		if !applied {
			m.log.Info("job already terminal, failure dropped", "job_id", id)
			return
		}
		m.obs.JobSettled(string(store.StatusFailed))
		m.log.Warn("job failed", "job_id", id, "err", err, "duration", time.Since(start))
		return
	}

	applied, cerr := m.store.CompleteJob(id, res.OutputPaths, res.HistoryID)
	if cerr != nil {
		m.log.Error("persist job completion", "job_id", id, "err", cerr)
		return
	}
	if !applied {
		m.log.Info("job already terminal, completion dropped", "job_id", id)
		return
	}
	m.obs.JobSettled(string(store.StatusCompleted))
	m.log.Info("job completed", "job_id", id, "history_id", res.HistoryID, "duration", time.Since(start))
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// Get returns the job or ErrNotFound.
func (m *Manager) Get(id string) (*store.Job, error) {
	job, err := m.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// Cancel flips a pending or running job to cancelled. It returns false, with
// no error, when the job is already terminal; missing ids yield ErrNotFound.
// Cancellation is cooperative: an in-flight provider call is not interrupted,
// its late outcome is simply dropped by the conditional terminal writes.
func (m *Manager) Cancel(id, reason string) (bool, error) {
	job, err := m.store.GetJob(id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reason == "" {
		reason = DefaultCancelReason
	}
	ok, err := m.store.CancelJob(id, reason)
	if err != nil {
		return false, err
	}
	if ok {
		m.obs.JobSettled(string(store.StatusCancelled))
		m.log.Info("job cancelled", "job_id", id, "reason", reason)
	}
	return ok, nil
}

// List returns jobs newest-first. The limit is clamped to the API maximum.
func (m *Manager) List(status store.JobStatus, tool string, limit, offset int) ([]*store.Job, error) {
	if limit <= 0 || limit > common.MaxListLimit {
		limit = common.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.ListJobs(store.JobFilter{Status: status, Tool: tool, Limit: limit, Offset: offset})
}

// Count returns the number of jobs, optionally for one status.
func (m *Manager) Count(status store.JobStatus) (int, error) {
	return m.store.CountJobs(status)
}

// Cleanup purges terminal jobs older than the given age in days.
func (m *Manager) Cleanup(olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: olderThanDays must be non-negative", ErrInvalidInput)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	n, err := m.store.CleanupJobs(cutoff)
	if err != nil {
		return 0, err
	}
	m.log.Info("job cleanup", "removed", n, "older_than_days", olderThanDays)
	return n, nil
}

// Shutdown waits up to grace for in-flight executions to settle. Executions
// that outlive the deadline keep running until the process exits; their jobs
// stay running in the store and surface as abandoned on the next start.
func (m *Manager) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	if grace <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.log.Warn("shutdown grace reached; executions may still be running")
	}
}

func paramsFromRequest(req tools.Request) map[string]any {
	params := map[string]any{
		"size":    req.Size,
		"quality": req.Quality,
		"format":  req.Format,
	}
	if req.ImagePath != "" {
		params["image_path"] = req.ImagePath
	}
	if req.MaskPath != "" {
		params["mask_path"] = req.MaskPath
	}
	if req.Moderation != "" {
		params["moderation"] = req.Moderation
	}
	return params
}

func requestFromJob(job *store.Job) tools.Request {
	req := tools.Request{
		Prompt:      job.Prompt,
		SampleCount: job.SampleCount,
	}
	str := func(key string) string {
		if v, ok := job.Params[key].(string); ok {
			return v
		}
		return ""
	}
	req.Size = str("size")
	req.Quality = str("quality")
	req.Format = str("format")
	req.ImagePath = str("image_path")
	req.MaskPath = str("mask_path")
	req.Moderation = str("moderation")
	return req
}
