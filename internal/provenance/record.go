package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// DetailLevel controls how much context is embedded alongside the fingerprint.
type DetailLevel string

const (
	LevelMinimal  DetailLevel = "minimal"
	LevelStandard DetailLevel = "standard"
	LevelFull     DetailLevel = "full"
)

// Record is the provenance payload embedded into produced image files.
// ID and ParamsHash are always present; the remaining fields depend on the
// configured detail level.
type Record struct {
	ID         string         `json:"id"`
	ParamsHash string         `json:"params_hash"`
	ToolName   string         `json:"tool_name,omitempty"`
	Model      string         `json:"model,omitempty"`
	CreatedAt  string         `json:"created_at,omitempty"`
	Size       string         `json:"size,omitempty"`
	Quality    string         `json:"quality,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// HashParams returns the canonical SHA-256 fingerprint of a parameter set.
// encoding/json marshals map keys in sorted order, so two logically equal
// parameter sets hash identically regardless of insertion order.
func HashParams(params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Maps of JSON-compatible values cannot fail to marshal; an
		// unmarshalable value still needs a stable answer.
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildRecord assembles a provenance record for the given detail level.
func BuildRecord(id, hash, tool, model, size, quality, prompt string, params map[string]any, level DetailLevel) Record {
	rec := Record{
		ID:         id,
		ParamsHash: hash,
	}
	if level == LevelMinimal {
		return rec
	}
	rec.ToolName = tool
	rec.Model = model
	rec.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	rec.Size = size
	rec.Quality = quality
	if level == LevelFull {
		rec.Prompt = prompt
		rec.Parameters = params
	}
	return rec
}

// VerifyResult reports whether an embedded record matches a stored parameter set.
type VerifyResult struct {
	Valid   bool
	Message string
}

// Verify recomputes the hash of storedParams and compares it to the hash the
// record carries. A mismatch signals tampering or a stale copy.
func Verify(rec *Record, storedParams map[string]any) VerifyResult {
	if rec == nil {
		return VerifyResult{Valid: false, Message: "no provenance record"}
	}
	if HashParams(storedParams) == rec.ParamsHash {
		return VerifyResult{Valid: true, Message: "parameter hash matches"}
	}
	return VerifyResult{Valid: false, Message: "parameter hash mismatch"}
}
