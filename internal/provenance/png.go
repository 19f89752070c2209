package provenance

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// PNG keyword under which the provenance JSON is stored in a tEXt chunk.
const pngKeyword = "pixelsmith:provenance"

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// embedPNG splices a single tEXt chunk carrying payload immediately before
// the IEND chunk. All original chunks, including ancillary ones, are kept
// byte-for-byte. On any structural parse failure the input is returned
// unchanged.
func embedPNG(img, payload []byte) []byte {
	iend, ok := findIEND(img)
	if !ok {
		return img
	}

	chunk := buildTextChunk(pngKeyword, payload)

	out := make([]byte, 0, len(img)+len(chunk))
	out = append(out, img[:iend]...)
	out = append(out, chunk...)
	out = append(out, img[iend:]...)
	return out
}

// extractPNG scans the chunk stream for the provenance tEXt chunk and returns
// its text payload.
func extractPNG(img []byte) ([]byte, bool) {
	if !bytes.HasPrefix(img, pngSignature) {
		return nil, false
	}
	off := len(pngSignature)
	for off+8 <= len(img) {
		length := int(binary.BigEndian.Uint32(img[off : off+4]))
		typ := string(img[off+4 : off+8])
		dataStart := off + 8
		dataEnd := dataStart + length
		if dataEnd+4 > len(img) || length < 0 {
			return nil, false
		}
		if typ == "tEXt" {
			data := img[dataStart:dataEnd]
			if nul := bytes.IndexByte(data, 0); nul >= 0 && string(data[:nul]) == pngKeyword {
				return data[nul+1:], true
			}
		}
		if typ == "IEND" {
			return nil, false
		}
		off = dataEnd + 4 // skip CRC
	}
	return nil, false
}

// findIEND walks the chunk stream from the signature and returns the byte
// offset at which the IEND chunk starts.
func findIEND(img []byte) (int, bool) {
	if !bytes.HasPrefix(img, pngSignature) {
		return 0, false
	}
	off := len(pngSignature)
	for off+8 <= len(img) {
		length := int(binary.BigEndian.Uint32(img[off : off+4]))
		typ := string(img[off+4 : off+8])
		next := off + 8 + length + 4
		if length < 0 || next > len(img) {
			return 0, false
		}
		if typ == "IEND" {
			return off, true
		}
		off = next
	}
	return 0, false
}

// buildTextChunk assembles a tEXt chunk: length, type, keyword NUL text, CRC.
// The CRC covers the chunk type and data, per the PNG spec.
func buildTextChunk(keyword string, text []byte) []byte {
	data := make([]byte, 0, len(keyword)+1+len(text))
	data = append(data, keyword...)
	data = append(data, 0)
	data = append(data, text...)

	chunk := make([]byte, 0, 12+len(data))
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(data)))
	chunk = append(chunk, "tEXt"...)
	chunk = append(chunk, data...)

	crc := crc32.NewIEEE()
	crc.Write([]byte("tEXt"))
	crc.Write(data)
	chunk = binary.BigEndian.AppendUint32(chunk, crc.Sum32())
	return chunk
}
