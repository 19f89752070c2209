package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/pixelsmith/internal/batch"
	"github.com/jo-hoe/pixelsmith/internal/common"
	"github.com/jo-hoe/pixelsmith/internal/config"
	"github.com/jo-hoe/pixelsmith/internal/jobs"
	"github.com/jo-hoe/pixelsmith/internal/metrics"
	"github.com/jo-hoe/pixelsmith/internal/provenance"
	"github.com/jo-hoe/pixelsmith/internal/provider/mock"
	"github.com/jo-hoe/pixelsmith/internal/storage"
	"github.com/jo-hoe/pixelsmith/internal/store"
	"github.com/jo-hoe/pixelsmith/internal/tools"
	"github.com/jo-hoe/pixelsmith/internal/util"
)

func newTestService(t *testing.T, apiKey string) (*Service, *http.Server) {
	t.Helper()
	tmp := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(tmp, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	mets := metrics.New()
	client := mets.InstrumentClient(mock.New(config.MockSettings{}))
	runner := tools.NewRunner(log, client, storage.NewWriter(tmp), s, "gpt-image-1", provenance.LevelStandard)
	manager := jobs.NewManager(log, s, tools.DefaultRegistry(runner), util.NewJobID)
	manager.SetObserver(mets)

	svc := &Service{
		Log:     nil,
		Cfg:     &config.Config{Server: config.ServerConfig{Addr: ":0", APIKey: apiKey}},
		Manager: manager,
		Batch:   batch.NewRunner(log, manager, s),
		Metrics: mets.Handler(),
	}
	svc.Cfg.Batch.MaxConcurrent = 2
	svc.Cfg.Batch.Timeout = 30 * time.Second
	svc.Cfg.Batch.PollInterval = 10 * time.Millisecond
	return svc, NewHTTPServer(svc)
}

func doJSON(t *testing.T, srv *http.Server, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func TestHealthz(t *testing.T) {
	_, srv := newTestService(t, "")
	rec := doJSON(t, srv, http.MethodGet, common.PathHealthz, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	if body := decodeMap(t, rec); body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCreateImage_Synchronous200(t *testing.T) {
	_, srv := newTestService(t, "")
	rec := doJSON(t, srv, http.MethodPost, common.PathImages,
		imageRequest{Tool: "generate", Prompt: "a harbor at dawn"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	if resp["status"] != string(store.StatusCompleted) {
		t.Fatalf("status not completed: %v", resp["status"])
	}
	if _, ok := resp["output_paths"]; !ok {
		t.Fatalf("output_paths missing: %v", resp)
	}
	if _, ok := resp["history_id"]; !ok {
		t.Fatalf("history_id missing: %v", resp)
	}
}

func TestCreateImage_Asynchronous202(t *testing.T) {
	_, srv := newTestService(t, "")
	rec := doJSON(t, srv, http.MethodPost, common.PathImages,
		imageRequest{Prompt: "a harbor at dawn"},
		map[string]string{common.HeaderPrefer: common.PreferRespondAsync})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	statusURL, ok := resp["status_url"].(string)
	if !ok || !strings.HasPrefix(statusURL, common.PathJobs) {
		t.Fatalf("status_url invalid: %v", resp["status_url"])
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		get := doJSON(t, srv, http.MethodGet, statusURL, nil, nil)
		if get.Code != http.StatusOK {
			t.Fatalf("get job status %d", get.Code)
		}
		job := decodeMap(t, get)
		if job["status"] == string(store.StatusCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateImage_BadRequest(t *testing.T) {
	_, srv := newTestService(t, "")
	if rec := doJSON(t, srv, http.MethodPost, common.PathImages, imageRequest{Prompt: ""}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank prompt: expected 400, got %d", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodPost, common.PathImages, imageRequest{Tool: "upscale", Prompt: "x"}, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown tool: expected 400, got %d", rec.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	_, srv := newTestService(t, "")
	rec := doJSON(t, srv, http.MethodGet, common.PathJobs+"/deadbeef-0000", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	svc, srv := newTestService(t, "")
	id, err := svc.Manager.Create(jobs.Spec{Tool: "generate", Request: tools.Request{Prompt: "a reef"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doJSON(t, srv, http.MethodDelete, common.PathJobs+"/"+id, map[string]string{"reason": "changed my mind"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeMap(t, rec); resp["cancelled"] != true {
		t.Fatalf("expected cancelled=true: %v", resp)
	}

	// Repeat cancel reports false without erroring.
	rec = doJSON(t, srv, http.MethodDelete, common.PathJobs+"/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeMap(t, rec); resp["cancelled"] != false {
		t.Fatalf("expected cancelled=false: %v", resp)
	}
}

func TestListJobs(t *testing.T) {
	svc, srv := newTestService(t, "")
	for _, prompt := range []string{"one", "two"} {
		if _, err := svc.Manager.Create(jobs.Spec{Tool: "generate", Request: tools.Request{Prompt: prompt}}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	rec := doJSON(t, srv, http.MethodGet, common.PathJobs+"?status=pending", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeMap(t, rec)
	list, ok := resp["jobs"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2 jobs, got %v", resp["jobs"])
	}
}

func TestExecuteBatch(t *testing.T) {
	_, srv := newTestService(t, "")
	rec := doJSON(t, srv, http.MethodPost, common.PathBatches, batchRequest{
		Specs: []imageRequest{
			{Prompt: "spec one"},
			{Prompt: "spec two"},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	if resp["succeeded"] != float64(2) {
		t.Fatalf("expected 2 succeeded, got %v", resp)
	}
	if _, ok := resp["total_cost"]; !ok {
		t.Fatalf("expected a total cost: %v", resp)
	}
}

func TestEstimateBatch(t *testing.T) {
	_, srv := newTestService(t, "")
	rec := doJSON(t, srv, http.MethodPost, common.PathBatches+"/estimate", batchRequest{
		Specs: []imageRequest{{Prompt: "a", Quality: "low"}},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	if resp["images"] != float64(1) {
		t.Fatalf("expected 1 image, got %v", resp)
	}
	if _, ok := resp["breakdown"].(map[string]any)["low"]; !ok {
		t.Fatalf("expected a low tier breakdown: %v", resp)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	_, srv := newTestService(t, "sekrit")
	rec := doJSON(t, srv, http.MethodGet, common.PathJobs, nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, common.PathJobs, nil, map[string]string{common.HeaderAPIKey: "sekrit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestService(t, "")
	if rec := doJSON(t, srv, http.MethodPost, common.PathImages, imageRequest{Prompt: "a dune"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("seed request failed: %d", rec.Code)
	}
	rec := doJSON(t, srv, http.MethodGet, common.PathMetrics, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pixelsmith_jobs_created_total") {
		t.Fatalf("metrics output missing job counters")
	}
}
