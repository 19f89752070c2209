package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jo-hoe/pixelsmith/internal/provider"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	return string(body)
}

func TestJobLifecycleCounters(t *testing.T) {
	m := New()
	m.JobCreated("generate")
	m.JobCreated("generate")
	m.JobStarted()
	m.JobSettled("completed")
	m.JobDone()

	body := scrape(t, m)
	for _, want := range []string{
		`pixelsmith_jobs_created_total{tool="generate"} 2`,
		`pixelsmith_jobs_settled_total{status="completed"} 1`,
		`pixelsmith_jobs_in_flight 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

type staticClient struct {
	err error
}

func (c *staticClient) GenerateImage(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &provider.Result{Images: [][]byte{{0x01}}}, nil
}

func TestInstrumentedClient(t *testing.T) {
	m := New()
	okClient := m.InstrumentClient(&staticClient{})
	if _, err := okClient.GenerateImage(context.Background(), provider.Request{Prompt: "x"}); err != nil {
		t.Fatalf("instrumented call: %v", err)
	}

	failing := m.InstrumentClient(&staticClient{err: &provider.Error{Status: 429, Kind: provider.KindRateLimit, Message: "slow down"}})
	if _, err := failing.GenerateImage(context.Background(), provider.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected the wrapped error to pass through")
	}

	body := scrape(t, m)
	for _, want := range []string{
		`pixelsmith_provider_requests_total{outcome="ok"} 1`,
		`pixelsmith_provider_requests_total{outcome="rate_limit"} 1`,
		`pixelsmith_provider_request_seconds_count 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}
