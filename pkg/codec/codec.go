// Package codec provides the content hashing and compression primitives
// used by the document engine. Hashes are for equality testing between a
// local mirror and the backend, not for security.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Supported compression algorithms.
const (
	AlgorithmNone = "none"
	AlgorithmGzip = "gzip"
	AlgorithmZstd = "zstd"
)

// DefaultLevel is the compression level used when none is configured.
const DefaultLevel = 6

// Hash returns the hex-encoded BLAKE3 digest of content. The digest is
// stable across processes, which is what the staleness and idempotency
// checks rely on.
func Hash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Compressor is a reversible byte-level codec. Decompress(Compress(x))
// must equal x for every input.
type Compressor interface {
	// Compress compresses data.
	Compress(data []byte) ([]byte, error)
	// Decompress reverses Compress.
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the algorithm name ("gzip", "zstd").
	Algorithm() string
}

// New creates a compressor for the given algorithm. level applies to gzip
// only (1-9); pass 0 for the default. AlgorithmNone is not a compressor —
// callers that disable compression should not construct one.
func New(algorithm string, level int) (Compressor, error) {
	switch algorithm {
	case AlgorithmGzip:
		if level == 0 {
			level = DefaultLevel
		}
		if level < gzip.BestSpeed || level > gzip.BestCompression {
			return nil, fmt.Errorf("invalid gzip level %d (want 1-9)", level)
		}
		return &gzipCompressor{level: level}, nil
	case AlgorithmZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return &zstdCompressor{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// gzipCompressor implements gzip compression with a fixed level.
type gzipCompressor struct {
	level int
}

func (c *gzipCompressor) Algorithm() string { return AlgorithmGzip }

func (c *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to compress data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("failed to decompress data: %w", err)
	}
	return buf.Bytes(), nil
}

// zstdCompressor implements zstd compression. The encoder and decoder are
// stateless in EncodeAll/DecodeAll mode and safe for reuse.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (c *zstdCompressor) Algorithm() string { return AlgorithmZstd }

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress data: %w", err)
	}
	return out, nil
}
