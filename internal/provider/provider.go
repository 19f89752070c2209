// Package provider abstracts the remote image-generation backend behind a
// single call: prompt and options in, raw image bytes and token usage out.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Request carries everything one outbound generation call needs.
type Request struct {
	Prompt     string
	Image      []byte // optional reference image (edit/transform)
	Mask       []byte // optional mask (edit)
	Model      string
	Size       string
	Quality    string
	Format     string // png|jpeg|webp
	Moderation string
	N          int // requested sample count
}

// Usage is the token accounting the provider reports per call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result holds one or more raw images plus usage counts.
type Result struct {
	Images [][]byte
	Usage  Usage
}

// Client is the outbound generation capability consumed by the tool layer.
type Client interface {
	GenerateImage(ctx context.Context, req Request) (*Result, error)
}

// Error kinds, subclassed by HTTP-like status for user messaging.
const (
	KindAuth       = "auth"
	KindPolicy     = "policy"
	KindBadRequest = "bad_request"
	KindRateLimit  = "rate_limit"
	KindAPI        = "api"
)

// Error is a failure surfaced from the external generation call.
type Error struct {
	Status  int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// KindOf classifies any error from a Client call, falling back to KindAPI
// for errors that are not provider errors (timeouts, transport failures).
func KindOf(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindAPI
}

func kindForStatus(status int) string {
	switch status {
	case 401:
		return KindAuth
	case 403:
		return KindPolicy
	case 400, 422:
		return KindBadRequest
	case 429:
		return KindRateLimit
	default:
		return KindAPI
	}
}
