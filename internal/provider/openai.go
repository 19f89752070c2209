package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jo-hoe/pixelsmith/internal/common"
	"github.com/jo-hoe/pixelsmith/internal/config"
)

var _ Client = (*OpenAIClient)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	authSchemeBearer    = "Bearer"

	endpointImages = "v1/images/generations"

	defaultTimeout    = 2 * time.Minute
	errorSnippetLimit = 400
)

// OpenAIClient implements Client against an OpenAI-compatible image API.
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewOpenAIClient creates a client for the configured endpoint. When a
// positive rateRps is configured, outbound calls queue on a token bucket
// instead of tripping the provider's limiter.
func NewOpenAIClient(cfg config.ProviderConfig) *OpenAIClient {
	timeout := cfg.OpenAI.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	var limiter *rate.Limiter
	if cfg.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.Burst)
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.OpenAI.BaseURL, "/"),
		apiKey:     cfg.OpenAI.APIKey,
		limiter:    limiter,
	}
}

type imageRequest struct {
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
	N            int    `json:"n,omitempty"`
	Size         string `json:"size,omitempty"`
	Quality      string `json:"quality,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	Moderation   string `json:"moderation,omitempty"`
	Image        string `json:"image,omitempty"` // base64 reference image
	Mask         string `json:"mask,omitempty"`  // base64 mask
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateImage performs the single outbound HTTP call to the provider.
func (c *OpenAIClient) GenerateImage(ctx context.Context, req Request) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body := imageRequest{
		Model:        req.Model,
		Prompt:       req.Prompt,
		N:            req.N,
		Size:         req.Size,
		Quality:      req.Quality,
		OutputFormat: req.Format,
		Moderation:   req.Moderation,
	}
	if len(req.Image) > 0 {
		body.Image = base64.StdEncoding.EncodeToString(req.Image)
	}
	if len(req.Mask) > 0 {
		body.Mask = base64.StdEncoding.EncodeToString(req.Mask)
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u, err := url.JoinPath(c.baseURL, endpointImages)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set(headerContentType, common.ContentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := truncate(string(respBytes), errorSnippetLimit)
		var parsed imageResponse
		if json.Unmarshal(respBytes, &parsed) == nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, &Error{Status: resp.StatusCode, Kind: kindForStatus(resp.StatusCode), Message: msg}
	}

	var parsed imageResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, &Error{Status: resp.StatusCode, Kind: KindAPI, Message: "empty image response"}
	}

	result := &Result{
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
	for i, d := range parsed.Data {
		img, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		result.Images = append(result.Images, img)
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
