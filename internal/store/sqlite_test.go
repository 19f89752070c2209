package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pixelsmith.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPendingJob(id string, created time.Time) *Job {
	return &Job{
		ID:          id,
		CreatedAt:   created,
		UpdatedAt:   created,
		Status:      StatusPending,
		ToolName:    "generate",
		Prompt:      "a lighthouse at dusk",
		Params:      map[string]any{"size": "1024x1024", "quality": "high"},
		SampleCount: 1,
	}
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	job := newPendingJob("job-1", now)
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ok, err := s.MarkRunning(job.ID, 10)
	if err != nil || !ok {
		t.Fatalf("MarkRunning: ok=%v err=%v", ok, err)
	}
	if err := s.SetProgress(job.ID, 30); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}

	ok, err = s.CompleteJob(job.ID, []string{"/out/a.png"}, "hist-1")
	if err != nil || !ok {
		t.Fatalf("CompleteJob: ok=%v err=%v", ok, err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusCompleted || got.Progress != 100 {
		t.Fatalf("job not completed: %+v", got)
	}
	if len(got.OutputPaths) != 1 || got.OutputPaths[0] != "/out/a.png" {
		t.Fatalf("output paths mismatch: %+v", got.OutputPaths)
	}
	if got.HistoryID == nil || *got.HistoryID != "hist-1" {
		t.Fatalf("history id mismatch: %+v", got.HistoryID)
	}
	if got.Params["size"] != "1024x1024" {
		t.Fatalf("params not round-tripped: %+v", got.Params)
	}
}

func TestSQLiteStore_MarkRunningOnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	job := newPendingJob("job-1", time.Now().UTC())
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if ok, _ := s.MarkRunning(job.ID, 10); !ok {
		t.Fatalf("first MarkRunning should succeed")
	}
	if ok, _ := s.MarkRunning(job.ID, 10); ok {
		t.Fatalf("MarkRunning on a running job should be refused")
	}
	if ok, _ := s.MarkRunning("missing", 10); ok {
		t.Fatalf("MarkRunning on a missing job should be refused")
	}
}

func TestSQLiteStore_TerminalStatesAreSticky(t *testing.T) {
	s := newTestStore(t)
	job := newPendingJob("job-1", time.Now().UTC())
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.MarkRunning(job.ID, 10); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if ok, _ := s.CancelJob(job.ID, "cancelled by user"); !ok {
		t.Fatalf("cancel of running job should succeed")
	}

	// A late completion after cancellation must be a silent no-op.
	if ok, _ := s.CompleteJob(job.ID, []string{"/out/late.png"}, "hist-late"); ok {
		t.Fatalf("completion must not overwrite a cancelled job")
	}
	if ok, _ := s.FailJob(job.ID, "late failure"); ok {
		t.Fatalf("failure must not overwrite a cancelled job")
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status should remain cancelled, got %s", got.Status)
	}
	if got.OutputPaths != nil || got.HistoryID != nil {
		t.Fatalf("cancelled job should carry no outcome: %+v", got)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "cancelled by user" {
		t.Fatalf("cancel reason mismatch: %+v", got.ErrorMessage)
	}
}

func TestSQLiteStore_GetJobMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got != nil {
		t.Fatalf("missing job should be nil, got %+v", got)
	}
}

func TestSQLiteStore_ListAndCount(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		job := newPendingJob(id, base.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			job.ToolName = "edit"
		}
		if err := s.CreateJob(job); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
	}
	if _, err := s.MarkRunning("a", 10); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	all, err := s.ListJobs(JobFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	// Newest first
	if all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order: %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	pending, err := s.ListJobs(JobFilter{Status: StatusPending, Limit: 10})
	if err != nil {
		t.Fatalf("ListJobs pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", len(pending))
	}

	edits, err := s.ListJobs(JobFilter{Tool: "edit", Limit: 10})
	if err != nil {
		t.Fatalf("ListJobs edit: %v", err)
	}
	if len(edits) != 1 || edits[0].ID != "c" {
		t.Fatalf("tool filter mismatch: %+v", edits)
	}

	page, err := s.ListJobs(JobFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("pagination mismatch: %+v", page)
	}

	if n, _ := s.CountJobs(""); n != 3 {
		t.Fatalf("count all mismatch: %d", n)
	}
	if n, _ := s.CountJobs(StatusRunning); n != 1 {
		t.Fatalf("count running mismatch: %d", n)
	}
}

func TestSQLiteStore_CleanupRemovesOnlyOldTerminalJobs(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -10)

	oldDone := newPendingJob("old-done", old)
	oldRunning := newPendingJob("old-running", old)
	youngDone := newPendingJob("young-done", now)
	for _, j := range []*Job{oldDone, oldRunning, youngDone} {
		if err := s.CreateJob(j); err != nil {
			t.Fatalf("CreateJob %s: %v", j.ID, err)
		}
	}
	if _, err := s.MarkRunning("old-done", 10); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := s.CompleteJob("old-done", []string{"/out/x.png"}, "h1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if _, err := s.MarkRunning("old-running", 10); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := s.MarkRunning("young-done", 10); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := s.FailJob("young-done", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	n, err := s.CleanupJobs(now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("CleanupJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if got, _ := s.GetJob("old-done"); got != nil {
		t.Fatalf("old terminal job should be gone")
	}
	if got, _ := s.GetJob("old-running"); got == nil {
		t.Fatalf("old running job must survive cleanup")
	}
	if got, _ := s.GetJob("young-done"); got == nil {
		t.Fatalf("young terminal job must survive cleanup")
	}
}

func TestSQLiteStore_History(t *testing.T) {
	s := newTestStore(t)
	cost := 0.085
	h := &History{
		ID:            "01JF8B3V9K6T5RQZX2M4N7P8W1",
		ToolName:      "generate",
		Prompt:        "a lighthouse at dusk",
		Params:        map[string]any{"size": "1024x1024"},
		OutputPaths:   []string{"/out/a.png", "/out/b.png"},
		SampleCount:   2,
		Size:          "1024x1024",
		Quality:       "high",
		Format:        "png",
		ParamsHash:    "deadbeef",
		InputTokens:   120,
		OutputTokens:  4160,
		EstimatedCost: &cost,
	}
	if err := s.CreateHistory(h); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}

	got, err := s.GetHistory(h.ID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if got == nil {
		t.Fatalf("history record missing")
	}
	if got.ParamsHash != "deadbeef" || got.Quality != "high" || len(got.OutputPaths) != 2 {
		t.Fatalf("history mismatch: %+v", got)
	}
	if got.EstimatedCost == nil || *got.EstimatedCost != cost {
		t.Fatalf("cost mismatch: %+v", got.EstimatedCost)
	}

	missing, err := s.GetHistory("nope")
	if err != nil {
		t.Fatalf("GetHistory missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing history should be nil")
	}
}

func TestSQLiteStore_ListHistory(t *testing.T) {
	s := newTestStore(t)
	for i, id := range []string{"01AAAAAAAAAAAAAAAAAAAAAAAA", "01BBBBBBBBBBBBBBBBBBBBBBBB", "01CCCCCCCCCCCCCCCCCCCCCCCC"} {
		h := &History{
			ID:         id,
			CreatedAt:  time.Date(2026, 8, 1, 12, i, 0, 0, time.UTC),
			ToolName:   "generate",
			Prompt:     "p",
			ParamsHash: "hash",
		}
		if err := s.CreateHistory(h); err != nil {
			t.Fatalf("CreateHistory: %v", err)
		}
	}

	list, err := s.ListHistory(2, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].ID != "01CCCCCCCCCCCCCCCCCCCCCCCC" {
		t.Fatalf("expected newest first, got %s", list[0].ID)
	}

	rest, err := s.ListHistory(2, 2)
	if err != nil {
		t.Fatalf("ListHistory offset: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "01AAAAAAAAAAAAAAAAAAAAAAAA" {
		t.Fatalf("unexpected offset page: %+v", rest)
	}
}
