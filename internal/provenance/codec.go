// Package provenance embeds and recovers tamper-evident generation metadata
// directly in PNG and JPEG byte streams. The codec works at the chunk/segment
// level on purpose: pixel data and every pre-existing ancillary chunk pass
// through untouched, and a record can be recovered without any image library.
package provenance

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Embed returns a copy of img with rec spliced in as format-native metadata.
// Unsupported formats and structurally broken images yield the input
// unchanged: metadata is an enhancement, never a reason to fail a generation.
func Embed(img []byte, rec Record, format string) []byte {
	payload, err := json.Marshal(rec)
	if err != nil {
		return img
	}
	switch strings.ToLower(format) {
	case "png":
		return embedPNG(img, payload)
	case "jpeg", "jpg":
		return embedJPEG(img, payload)
	default:
		return img
	}
}

// Extract sniffs the image format from its leading signature bytes and
// performs the inverse walk. It returns false on anything unparsable.
func Extract(img []byte) (*Record, bool) {
	var payload []byte
	var ok bool
	switch {
	case bytes.HasPrefix(img, pngSignature):
		payload, ok = extractPNG(img)
	case len(img) >= 2 && img[0] == jpegMarkerPrefix && img[1] == jpegSOI:
		payload, ok = extractJPEG(img)
	default:
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, false
	}
	if rec.ID == "" || rec.ParamsHash == "" {
		return nil, false
	}
	return &rec, true
}
