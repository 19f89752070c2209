package provenance

import (
	"bytes"
	"encoding/binary"
)

// JPEG marker bytes.
const (
	jpegMarkerPrefix = 0xFF
	jpegSOI          = 0xD8
	jpegSOS          = 0xDA
	jpegAPP0         = 0xE0
	jpegAPP1         = 0xE1
	jpegAPP15        = 0xEF
)

var exifHeader = []byte("Exif\x00\x00")

// embedJPEG splices one APP1 Exif segment carrying payload after any existing
// application segments, before the first non-application segment. The segment
// holds a minimal little-endian TIFF block with a single-entry IFD whose
// ImageDescription tag points at the UTF-8 JSON text. On any structural parse
// failure, or if the payload exceeds the segment size limit, the input is
// returned unchanged.
func embedJPEG(img, payload []byte) []byte {
	insert, ok := findAppSegmentEnd(img)
	if !ok {
		return img
	}
	segment, ok := buildExifSegment(payload)
	if !ok {
		return img
	}

	out := make([]byte, 0, len(img)+len(segment))
	out = append(out, img[:insert]...)
	out = append(out, segment...)
	out = append(out, img[insert:]...)
	return out
}

// extractJPEG scans application segments for the Exif identifier and locates
// the embedded JSON by the presence of the record's required id field.
func extractJPEG(img []byte) ([]byte, bool) {
	if len(img) < 2 || img[0] != jpegMarkerPrefix || img[1] != jpegSOI {
		return nil, false
	}
	off := 2
	for off+4 <= len(img) {
		if img[off] != jpegMarkerPrefix {
			return nil, false
		}
		marker := img[off+1]
		if marker == jpegMarkerPrefix {
			off++ // fill byte
			continue
		}
		if marker == jpegSOS {
			return nil, false
		}
		length := int(binary.BigEndian.Uint16(img[off+2 : off+4]))
		if length < 2 || off+2+length > len(img) {
			return nil, false
		}
		seg := img[off+4 : off+2+length]
		if marker == jpegAPP1 && bytes.HasPrefix(seg, exifHeader) {
			if start := bytes.Index(seg, []byte(`{"id":`)); start >= 0 {
				if doc, ok := trimJSONObject(seg[start:]); ok {
					return doc, true
				}
			}
		}
		off += 2 + length
	}
	return nil, false
}

// findAppSegmentEnd returns the offset just past the last leading APPn
// segment, which is where a new application segment belongs.
func findAppSegmentEnd(img []byte) (int, bool) {
	if len(img) < 2 || img[0] != jpegMarkerPrefix || img[1] != jpegSOI {
		return 0, false
	}
	off := 2
	for off+4 <= len(img) {
		if img[off] != jpegMarkerPrefix {
			return 0, false
		}
		marker := img[off+1]
		if marker < jpegAPP0 || marker > jpegAPP15 {
			return off, true
		}
		length := int(binary.BigEndian.Uint16(img[off+2 : off+4]))
		if length < 2 || off+2+length > len(img) {
			return 0, false
		}
		off += 2 + length
	}
	return 0, false
}

// buildExifSegment assembles the APP1 segment: Exif identifier, TIFF header,
// one-entry IFD with an ImageDescription (0x010E) ASCII tag, then the JSON
// text. All TIFF offsets are relative to the TIFF header start.
func buildExifSegment(payload []byte) ([]byte, bool) {
	// header(8) + entry count(2) + entry(12) + next IFD(4) = 26 bytes before the text
	const textOffset = 26
	tiffLen := textOffset + len(payload) + 1
	segLen := 2 + len(exifHeader) + tiffLen
	if segLen > 0xFFFF {
		return nil, false
	}

	seg := make([]byte, 0, 2+segLen)
	seg = append(seg, jpegMarkerPrefix, jpegAPP1)
	seg = binary.BigEndian.AppendUint16(seg, uint16(segLen))
	seg = append(seg, exifHeader...)

	// TIFF header, little-endian
	seg = append(seg, 'I', 'I')
	seg = binary.LittleEndian.AppendUint16(seg, 0x002A)
	seg = binary.LittleEndian.AppendUint32(seg, 8) // IFD offset

	// IFD with a single ImageDescription entry
	seg = binary.LittleEndian.AppendUint16(seg, 1)
	seg = binary.LittleEndian.AppendUint16(seg, 0x010E) // tag
	seg = binary.LittleEndian.AppendUint16(seg, 2)      // ASCII
	seg = binary.LittleEndian.AppendUint32(seg, uint32(len(payload)+1))
	seg = binary.LittleEndian.AppendUint32(seg, textOffset)
	seg = binary.LittleEndian.AppendUint32(seg, 0) // no next IFD

	seg = append(seg, payload...)
	seg = append(seg, 0)
	return seg, true
}

// trimJSONObject returns the leading balanced JSON object in data.
func trimJSONObject(data []byte) ([]byte, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[:i+1], true
			}
		}
	}
	return nil, false
}
