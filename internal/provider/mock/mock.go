// Package mock provides an in-process provider used in tests and local runs.
package mock

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/jo-hoe/pixelsmith/internal/config"
	"github.com/jo-hoe/pixelsmith/internal/provider"
)

var _ provider.Client = (*Client)(nil)

// Client returns structurally valid placeholder PNGs after a configurable delay.
type Client struct {
	delay time.Duration
}

func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay}
}

func (c *Client) GenerateImage(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	n := req.N
	if n <= 0 {
		n = 1
	}
	res := &provider.Result{
		Usage: provider.Usage{InputTokens: len(req.Prompt), OutputTokens: 1024 * n},
	}
	for i := 0; i < n; i++ {
		res.Images = append(res.Images, PlaceholderPNG())
	}
	return res, nil
}

// PlaceholderPNG builds a minimal, structurally valid 1x1 PNG.
func PlaceholderPNG() []byte {
	chunk := func(typ string, data []byte) []byte {
		var out []byte
		out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
		out = append(out, typ...)
		out = append(out, data...)
		crc := crc32.NewIEEE()
		crc.Write([]byte(typ))
		crc.Write(data)
		return binary.BigEndian.AppendUint32(out, crc.Sum32())
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 1)
	binary.BigEndian.PutUint32(ihdr[4:], 1)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA

	img := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	img = append(img, chunk("IHDR", ihdr)...)
	img = append(img, chunk("IDAT", []byte{0x78, 0x9c, 0x62, 0x60, 0x60, 0x60, 0x00, 0x00, 0x00, 0x04, 0x00, 0x01})...)
	img = append(img, chunk("IEND", nil)...)
	return img
}
