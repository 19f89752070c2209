package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jo-hoe/pixelsmith/internal/common"
	"github.com/jo-hoe/pixelsmith/internal/provenance"
	"github.com/jo-hoe/pixelsmith/internal/provider"
	"github.com/jo-hoe/pixelsmith/internal/storage"
	"github.com/jo-hoe/pixelsmith/internal/store"
	"github.com/jo-hoe/pixelsmith/internal/util"
)

// HistoryStore is the slice of persistence the operations need.
type HistoryStore interface {
	CreateHistory(h *store.History) error
}

// Runner wires the provider, the provenance codec, the output writer and the
// history log into the three operations.
type Runner struct {
	Log     *slog.Logger
	Client  provider.Client
	Writer  *storage.Writer
	History HistoryStore
	Model   string
	Level   provenance.DetailLevel
}

func NewRunner(log *slog.Logger, client provider.Client, writer *storage.Writer, history HistoryStore, model string, level provenance.DetailLevel) *Runner {
	return &Runner{
		Log:     log,
		Client:  client,
		Writer:  writer,
		History: history,
		Model:   model,
		Level:   level,
	}
}

// DefaultRegistry registers the closed set of tools backed by r.
func DefaultRegistry(r *Runner) *Registry {
	reg := NewRegistry()
	reg.Register(common.ToolGenerate, r.Generate)
	reg.Register(common.ToolEdit, r.Edit)
	reg.Register(common.ToolTransform, r.Transform)
	return reg
}

var sizePattern = regexp.MustCompile(`^\d{2,4}x\d{2,4}$`)

func validate(req *Request, needImage bool) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if needImage && strings.TrimSpace(req.ImagePath) == "" {
		return fmt.Errorf("%w: reference image is required", ErrInvalidInput)
	}
	if req.SampleCount == 0 {
		req.SampleCount = common.DefaultSampleCount
	}
	if req.SampleCount < 1 || req.SampleCount > common.MaxSampleCount {
		return fmt.Errorf("%w: sample count must be 1-%d, got %d", ErrInvalidInput, common.MaxSampleCount, req.SampleCount)
	}
	if req.Size == "" {
		req.Size = "auto"
	}
	if req.Size != "auto" && !sizePattern.MatchString(req.Size) {
		return fmt.Errorf("%w: size %q is not WxH or auto", ErrInvalidInput, req.Size)
	}
	switch req.Quality {
	case "":
		req.Quality = "auto"
	case "low", "medium", "high", "auto":
	default:
		return fmt.Errorf("%w: unknown quality %q", ErrInvalidInput, req.Quality)
	}
	switch strings.ToLower(req.Format) {
	case "":
		req.Format = common.FormatPNG
	case common.FormatPNG, common.FormatJPEG, "jpg", common.FormatWebP:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidInput, req.Format)
	}
	return nil
}

// Generate produces images from a text prompt alone.
func (r *Runner) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req, false); err != nil {
		return nil, err
	}
	return r.run(ctx, common.ToolGenerate, req, nil, nil)
}

// Edit produces images from a prompt plus a reference image and optional mask.
func (r *Runner) Edit(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req, true); err != nil {
		return nil, err
	}
	img, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("read reference image: %w", err)
	}
	var mask []byte
	if req.MaskPath != "" {
		mask, err = os.ReadFile(req.MaskPath)
		if err != nil {
			return nil, fmt.Errorf("read mask image: %w", err)
		}
	}
	return r.run(ctx, common.ToolEdit, req, img, mask)
}

// Transform produces stylistic variations of a reference image.
func (r *Runner) Transform(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req, true); err != nil {
		return nil, err
	}
	img, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("read reference image: %w", err)
	}
	return r.run(ctx, common.ToolTransform, req, img, nil)
}

func (r *Runner) run(ctx context.Context, tool string, req Request, image, mask []byte) (*Result, error) {
	params := map[string]any{
		"size":    req.Size,
		"quality": req.Quality,
		"format":  req.Format,
		"n":       float64(req.SampleCount),
	}
	if req.Moderation != "" {
		params["moderation"] = req.Moderation
	}
	recordID := util.NewRecordID()
	hash := provenance.HashParams(params)

	res, err := r.Client.GenerateImage(ctx, provider.Request{
		Prompt:     req.Prompt,
		Image:      image,
		Mask:       mask,
		Model:      r.Model,
		Size:       req.Size,
		Quality:    req.Quality,
		Format:     req.Format,
		Moderation: req.Moderation,
		N:          req.SampleCount,
	})
	if err != nil {
		return nil, err
	}

	rec := provenance.BuildRecord(recordID, hash, tool, r.Model, req.Size, req.Quality, req.Prompt, params, r.Level)

	paths := make([]string, 0, len(res.Images))
	for i, img := range res.Images {
		embedded := provenance.Embed(img, rec, req.Format)
		if len(embedded) == len(img) && isEmbeddableFormat(req.Format) {
			r.Log.Warn("provenance embed skipped", "record_id", recordID, "sample", i, "format", req.Format)
		}
		path, err := r.Writer.WriteImage(recordID, i, req.Format, embedded)
		if err != nil {
			return nil, fmt.Errorf("write output %d: %w", i, err)
		}
		paths = append(paths, path)
	}

	cost := EstimatedImageCost(req.Quality) * float64(req.SampleCount)
	h := &store.History{
		ID:            recordID,
		CreatedAt:     time.Now().UTC(),
		ToolName:      tool,
		Prompt:        req.Prompt,
		Params:        params,
		OutputPaths:   paths,
		SampleCount:   req.SampleCount,
		Size:          req.Size,
		Quality:       req.Quality,
		Format:        req.Format,
		ParamsHash:    hash,
		InputTokens:   res.Usage.InputTokens,
		OutputTokens:  res.Usage.OutputTokens,
		EstimatedCost: &cost,
	}
	if err := r.History.CreateHistory(h); err != nil {
		return nil, fmt.Errorf("record history: %w", err)
	}

	r.Log.Info("generation recorded",
		"tool", tool,
		"history_id", recordID,
		"samples", len(paths),
		"quality", req.Quality)

	return &Result{OutputPaths: paths, HistoryID: recordID, Cost: &cost}, nil
}

func isEmbeddableFormat(format string) bool {
	switch strings.ToLower(format) {
	case common.FormatPNG, common.FormatJPEG, "jpg":
		return true
	default:
		return false
	}
}
