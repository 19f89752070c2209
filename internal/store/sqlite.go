package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists jobs and history records in an embedded database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		status TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		params_json TEXT NOT NULL,
		sample_count INTEGER NOT NULL,
		output_paths_json TEXT,
		history_id TEXT,
		error_message TEXT,
		progress INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_tool_name ON jobs(tool_name);

	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		params_json TEXT NOT NULL,
		output_paths_json TEXT NOT NULL,
		sample_count INTEGER NOT NULL,
		size TEXT,
		quality TEXT,
		format TEXT,
		params_hash TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL
	);
	CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_tool_name ON history(tool_name);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

var terminalSet = fmt.Sprintf("('%s', '%s', '%s')", StatusCompleted, StatusFailed, StatusCancelled)

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateJob inserts a new job row. The caller sets ID, status and timestamps.
func (s *SQLiteStore) CreateJob(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	params, err := marshalJSON(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO jobs (id, created_at, updated_at, status, tool_name, prompt, params_json, sample_count, progress)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, formatTime(job.CreatedAt), formatTime(job.UpdatedAt), string(job.Status),
		job.ToolName, job.Prompt, params, job.SampleCount, job.Progress,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns the job or (nil, nil) when the id is unknown.
func (s *SQLiteStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, updated_at, status, tool_name, prompt, params_json, sample_count,
		        output_paths_json, history_id, error_message, progress
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var created, updated, status, params string
	var paths, history, errMsg sql.NullString

	if err := row.Scan(
		&job.ID,
		&created,
		&updated,
		&status,
		&job.ToolName,
		&job.Prompt,
		&params,
		&job.SampleCount,
		&paths,
		&history,
		&errMsg,
		&job.Progress,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = JobStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		job.UpdatedAt = t
	}
	if params != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(params), &m); err == nil {
			job.Params = m
		}
	}
	if paths.Valid && paths.String != "" {
		var p []string
		if err := json.Unmarshal([]byte(paths.String), &p); err == nil {
			job.OutputPaths = p
		}
	}
	if history.Valid {
		v := history.String
		job.HistoryID = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		job.ErrorMessage = &v
	}
	return &job, nil
}

// MarkRunning moves a pending job to running. Returns false when the job is
// not in pending (including when it does not exist).
func (s *SQLiteStore) MarkRunning(id string, progress int) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), progress, formatTime(time.Now()), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return affected(res)
}

// SetProgress advances the advisory progress of a running job.
func (s *SQLiteStore) SetProgress(id string, progress int) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		progress, formatTime(time.Now()), id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// CompleteJob records the outcome atomically: output paths, history link and
// progress 100. The conditional WHERE keeps terminal states sticky, so an
// execution finishing after a cancel is a silent no-op.
func (s *SQLiteStore) CompleteJob(id string, outputPaths []string, historyID string) (bool, error) {
	paths, err := marshalJSON(outputPaths)
	if err != nil {
		return false, fmt.Errorf("marshal output paths: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, output_paths_json = ?, history_id = ?, error_message = NULL, progress = 100, updated_at = ?
		 WHERE id = ? AND status NOT IN `+terminalSet,
		string(StatusCompleted), paths, historyID, formatTime(time.Now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return affected(res)
}

// FailJob marks a non-terminal job failed with a human-readable message.
func (s *SQLiteStore) FailJob(id, errMsg string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN `+terminalSet,
		string(StatusFailed), errMsg, formatTime(time.Now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return affected(res)
}

// CancelJob marks a pending or running job cancelled. Returns false when the
// job is already terminal or missing.
func (s *SQLiteStore) CancelJob(id, reason string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN `+terminalSet,
		string(StatusCancelled), reason, formatTime(time.Now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return affected(res)
}

// ListJobs returns jobs newest-first, optionally filtered by status and tool.
func (s *SQLiteStore) ListJobs(f JobFilter) ([]*Job, error) {
	query := `SELECT id, created_at, updated_at, status, tool_name, prompt, params_json, sample_count,
	                 output_paths_json, history_id, error_message, progress
	          FROM jobs`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Tool != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, f.Tool)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountJobs returns the number of jobs, optionally restricted to one status.
func (s *SQLiteStore) CountJobs(status JobStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CleanupJobs deletes terminal jobs created before the cutoff and returns the
// number removed. This is the only delete path for job rows.
func (s *SQLiteStore) CleanupJobs(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM jobs WHERE status IN `+terminalSet+` AND created_at < ?`,
		formatTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return n, nil
}

// CreateHistory inserts an immutable history record.
func (s *SQLiteStore) CreateHistory(h *History) error {
	if h == nil {
		return errors.New("history is nil")
	}
	if h.ID == "" {
		return errors.New("history.ID is required")
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	params, err := marshalJSON(h.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	paths, err := marshalJSON(h.OutputPaths)
	if err != nil {
		return fmt.Errorf("marshal output paths: %w", err)
	}
	var cost any
	if h.EstimatedCost != nil {
		cost = *h.EstimatedCost
	}

	_, err = s.db.Exec(
		`INSERT INTO history (id, created_at, tool_name, prompt, params_json, output_paths_json, sample_count,
		                      size, quality, format, params_hash, input_tokens, output_tokens, estimated_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, formatTime(h.CreatedAt), h.ToolName, h.Prompt, params, paths, h.SampleCount,
		h.Size, h.Quality, h.Format, h.ParamsHash, h.InputTokens, h.OutputTokens, cost,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// GetHistory returns the record or (nil, nil) when the id is unknown.
func (s *SQLiteStore) GetHistory(id string) (*History, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, tool_name, prompt, params_json, output_paths_json, sample_count,
		        size, quality, format, params_hash, input_tokens, output_tokens, estimated_cost
		 FROM history WHERE id = ?`, id)

	h, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return h, nil
}

// ListHistory returns records newest-first.
func (s *SQLiteStore) ListHistory(limit, offset int) ([]*History, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(
		`SELECT id, created_at, tool_name, prompt, params_json, output_paths_json, sample_count,
		        size, quality, format, params_hash, input_tokens, output_tokens, estimated_cost
		 FROM history ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, h)
	}
	return list, rows.Err()
}

func scanHistory(row rowScanner) (*History, error) {
	var h History
	var created, params, paths string
	var size, quality, format sql.NullString
	var cost sql.NullFloat64

	if err := row.Scan(
		&h.ID,
		&created,
		&h.ToolName,
		&h.Prompt,
		&params,
		&paths,
		&h.SampleCount,
		&size,
		&quality,
		&format,
		&h.ParamsHash,
		&h.InputTokens,
		&h.OutputTokens,
		&cost,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		h.CreatedAt = t
	}
	if params != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(params), &m); err == nil {
			h.Params = m
		}
	}
	if paths != "" {
		var p []string
		if err := json.Unmarshal([]byte(paths), &p); err == nil {
			h.OutputPaths = p
		}
	}
	h.Size = size.String
	h.Quality = quality.String
	h.Format = format.String
	if cost.Valid {
		v := cost.Float64
		h.EstimatedCost = &v
	}
	return &h, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
