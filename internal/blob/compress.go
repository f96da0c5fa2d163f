package blob

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor optionally applies zstd to blobs at rest. When enabled, every
// stored object is a zstd frame, which keeps streaming reads unambiguous.
// Digests always cover the uncompressed bytes.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

func NewCompressor(enabled bool) *Compressor {
	if !enabled {
		return &Compressor{}
	}

	encoder, _ := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	decoder, _ := zstd.NewReader(nil)

	return &Compressor{encoder: encoder, decoder: decoder, enabled: true}
}

func (c *Compressor) Compress(data []byte) []byte {
	if !c.enabled {
		return data
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if !c.enabled {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return out, nil
}

// Reader wraps a raw file reader with decompression when enabled.
func (c *Compressor) Reader(rc io.ReadCloser) (io.ReadCloser, error) {
	if !c.enabled {
		return rc, nil
	}
	zr, err := zstd.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	return &zstdReadCloser{zr: zr, underlying: rc}, nil
}

type zstdReadCloser struct {
	zr         *zstd.Decoder
	underlying io.ReadCloser
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.zr.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.zr.Close()
	return z.underlying.Close()
}
