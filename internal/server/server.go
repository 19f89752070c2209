package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/pixelsmith/internal/batch"
	"github.com/jo-hoe/pixelsmith/internal/common"
	"github.com/jo-hoe/pixelsmith/internal/config"
	"github.com/jo-hoe/pixelsmith/internal/jobs"
	"github.com/jo-hoe/pixelsmith/internal/store"
	"github.com/jo-hoe/pixelsmith/internal/tools"
)

// JSON request bodies stay small; uploads are referenced by path.
const maxBodyBytes = 1 << 20

const syncPollInterval = 250 * time.Millisecond

type Service struct {
	Log     *slog.Logger
	Cfg     *config.Config
	Manager *jobs.Manager
	Batch   *batch.Runner
	Metrics http.Handler
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if svc.Metrics != nil {
		mux.Handle(http.MethodGet+" "+common.PathMetrics, svc.Metrics)
	}

	mux.HandleFunc(http.MethodPost+" "+common.PathImages, svc.withCommon(svc.handleCreateImage))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs, svc.withCommon(svc.handleListJobs))
	// Pattern match /v1/jobs/{id}
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/", svc.withCommon(svc.handleGetJobByPrefix))
	mux.HandleFunc(http.MethodDelete+" "+common.PathJobs+"/", svc.withCommon(svc.handleCancelJobByPrefix))
	mux.HandleFunc(http.MethodPost+" "+common.PathBatches, svc.withCommon(svc.handleExecuteBatch))
	mux.HandleFunc(http.MethodPost+" "+common.PathBatches+"/estimate", svc.withCommon(svc.handleEstimateBatch))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	}
}

// imageRequest is the JSON body of POST /v1/images and each batch spec.
type imageRequest struct {
	Tool        string `json:"tool"`
	Prompt      string `json:"prompt"`
	ImagePath   string `json:"image_path,omitempty"`
	MaskPath    string `json:"mask_path,omitempty"`
	Size        string `json:"size,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Format      string `json:"format,omitempty"`
	Moderation  string `json:"moderation,omitempty"`
	SampleCount int    `json:"sample_count,omitempty"`
}

func (in imageRequest) spec() jobs.Spec {
	tool := in.Tool
	if tool == "" {
		tool = common.ToolGenerate
	}
	return jobs.Spec{
		Tool: tool,
		Request: tools.Request{
			Prompt:      in.Prompt,
			ImagePath:   in.ImagePath,
			MaskPath:    in.MaskPath,
			Size:        in.Size,
			Quality:     in.Quality,
			Format:      in.Format,
			Moderation:  in.Moderation,
			SampleCount: in.SampleCount,
		},
	}
}

type createResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleCreateImage(w http.ResponseWriter, r *http.Request) {
	var in imageRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := svc.Manager.Create(in.spec())
	if err != nil {
		svc.writeError(w, err)
		return
	}
	if err := svc.Manager.Start(id); err != nil {
		svc.writeError(w, err)
		return
	}

	// Determine sync vs async based on Prefer header
	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	if strings.Contains(prefer, common.PreferRespondAsync) {
		writeJSON(w, http.StatusAccepted, createResponse{
			JobID:     id,
			StatusURL: path.Join(common.PathJobs, id),
		})
		return
	}

	// Synchronous path: wait for the job to settle and return it.
	job, err := svc.awaitTerminal(r, id)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	status := http.StatusOK
	if job.Status != store.StatusCompleted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, jobToOut(job))
}

func (svc *Service) awaitTerminal(r *http.Request, id string) (*store.Job, error) {
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()
	for {
		job, err := svc.Manager.Get(id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-r.Context().Done():
			return nil, r.Context().Err()
		case <-ticker.C:
		}
	}
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 20)
	offset := parseIntDefault(q.Get("offset"), 0)
	status := store.JobStatus(q.Get("status"))

	list, err := svc.Manager.List(status, q.Get("tool"), limit, offset)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, job := range list {
		out = append(out, jobToOut(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

var idPattern = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)$", common.PathJobs))

func jobIDFromPath(p string) (string, bool) {
	m := idPattern.FindStringSubmatch(p)
	if len(m) != 2 {
		return "", false
	}
	return m[1], true
}

func (svc *Service) handleGetJobByPrefix(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	job, err := svc.Manager.Get(id)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func (svc *Service) handleCancelJobByPrefix(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	// Body is optional on cancel.
	_ = json.NewDecoder(r.Body).Decode(&in)

	cancelled, err := svc.Manager.Cancel(id, in.Reason)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelled": cancelled})
}

type retrySpec struct {
	MaxRetries   int      `json:"max_retries"`
	RetryDelayMS int      `json:"retry_delay_ms"`
	Patterns     []string `json:"patterns"`
}

type batchRequest struct {
	Specs         []imageRequest `json:"specs"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
	TimeoutMS     int            `json:"timeout_ms,omitempty"`
	Retry         *retrySpec     `json:"retry,omitempty"`
}

func (in *batchRequest) specs() []jobs.Spec {
	specs := make([]jobs.Spec, 0, len(in.Specs))
	for _, s := range in.Specs {
		specs = append(specs, s.spec())
	}
	return specs
}

func (svc *Service) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var in batchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	opts := batch.Options{
		MaxConcurrent: in.MaxConcurrent,
		Timeout:       time.Duration(in.TimeoutMS) * time.Millisecond,
		PollInterval:  svc.Cfg.Batch.PollInterval,
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = svc.Cfg.Batch.MaxConcurrent
	}
	if opts.Timeout == 0 {
		opts.Timeout = svc.Cfg.Batch.Timeout
	}
	if in.Retry != nil {
		opts.Retry = &batch.RetryPolicy{
			MaxRetries: in.Retry.MaxRetries,
			Delay:      time.Duration(in.Retry.RetryDelayMS) * time.Millisecond,
			Patterns:   in.Retry.Patterns,
		}
	}

	res, err := svc.Batch.Execute(r.Context(), in.specs(), opts)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (svc *Service) handleEstimateBatch(w http.ResponseWriter, r *http.Request) {
	var in batchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	est, err := batch.EstimateCost(in.specs())
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (svc *Service) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput) || errors.Is(err, tools.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		if svc.Log != nil {
			svc.Log.Error("request failed", "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func jobToOut(job *store.Job) map[string]any {
	out := map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"tool":       job.ToolName,
		"prompt":     job.Prompt,
		"progress":   job.Progress,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if len(job.OutputPaths) > 0 {
		out["output_paths"] = job.OutputPaths
	}
	if job.HistoryID != nil {
		out["history_id"] = *job.HistoryID
	}
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		out["error"] = *job.ErrorMessage
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
