// Package tools implements the three generation operations (generate, edit,
// transform) that call the provider, embed provenance and record history.
package tools

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInvalidInput marks malformed operation requests (missing prompt or
// reference image, out-of-range counts, unknown size/quality).
var ErrInvalidInput = errors.New("invalid input")

// Request carries the caller-facing inputs of one generation operation.
type Request struct {
	Prompt      string
	ImagePath   string // reference image (edit/transform)
	MaskPath    string // optional mask (edit)
	Size        string
	Quality     string
	Format      string
	Moderation  string
	SampleCount int
}

// Result is the success value of one generation operation.
type Result struct {
	OutputPaths []string
	HistoryID   string
	Cost        *float64
}

// Operation runs one generation request to completion.
type Operation func(ctx context.Context, req Request) (*Result, error)

// Registry maps tool names to their operation implementations. The tool set
// is closed; registration happens once at startup.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

func (r *Registry) Register(name string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = op
}

func (r *Registry) Get(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
