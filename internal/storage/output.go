package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/pixelsmith/internal/common"
)

// Writer stores produced images under baseDir/outputs.
type Writer struct {
	baseDir string
}

// NewWriter creates a writer rooted at baseDir/outputs.
func NewWriter(baseDir string) *Writer {
	return &Writer{baseDir: filepath.Join(baseDir, common.OutputsDirName)}
}

// Resolve returns the absolute path for name under the output directory and
// rejects anything that would escape it.
func (w *Writer) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty output name")
	}
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output path %q escapes the output directory", name)
	}
	return filepath.Join(w.baseDir, cleaned), nil
}

// WriteImage persists one produced image and returns its path. Filenames
// carry the record id, sample index and format extension so repeated runs
// never collide.
func (w *Writer) WriteImage(recordID string, index int, format string, data []byte) (string, error) {
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure outputs dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%02d.%s", time.Now().UTC().Format("20060102"), recordID, index, extFor(format))
	path, err := w.Resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

func extFor(format string) string {
	switch strings.ToLower(format) {
	case common.FormatJPEG, "jpg":
		return "jpg"
	case common.FormatWebP:
		return "webp"
	default:
		return "png"
	}
}
