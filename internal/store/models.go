package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a generation job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a tracked asynchronous generation request. The store row is the
// source of truth for status; in-memory bookkeeping elsewhere is advisory.
type Job struct {
	ID           string         // UUIDv4
	CreatedAt    time.Time      // creation time
	UpdatedAt    time.Time      // last transition time
	Status       JobStatus      // current state
	ToolName     string         // generate|edit|transform
	Prompt       string         // generation prompt
	Params       map[string]any // serialized parameter set
	SampleCount  int            // requested number of output images
	OutputPaths  []string       // set once completed, together with HistoryID
	HistoryID    *string        // link to the history record, set at completion
	ErrorMessage *string        // set only on failure or cancellation
	Progress     int            // 0-100, advisory; 100 iff completed
}

// History is the immutable log entry created once per successful generation.
type History struct {
	ID            string         // ULID
	CreatedAt     time.Time
	ToolName      string
	Prompt        string
	Params        map[string]any
	OutputPaths   []string
	SampleCount   int
	Size          string
	Quality       string
	Format        string
	ParamsHash    string // canonical fingerprint of Params
	InputTokens   int
	OutputTokens  int
	EstimatedCost *float64 // USD, nil when the provider reported no usage
}

// JobFilter narrows ListJobs results. Zero values mean "no constraint".
type JobFilter struct {
	Status JobStatus
	Tool   string
	Limit  int
	Offset int
}
