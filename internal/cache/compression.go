// internal/cache/compression.go
package cache

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Stored content records start with one of these flags.
const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024, // 1KB
		Level:   2,
	}
}

// compressionManager pools zstd encoders and decoders.
type compressionManager struct {
	opts CompressionOptions

	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	// Create encoder/decoder once so bad options fail early.
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test encoder: %w", err)
	}
	enc.Close()

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating test decoder: %w", err)
	}
	dec.Close()

	cm := &compressionManager{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				return dec
			},
		},
	}

	return cm, nil
}

// encode returns a flagged record, compressed when worthwhile.
func (cm *compressionManager) encode(content []byte) []byte {
	if len(content) < cm.opts.MinSize {
		return append([]byte{flagRaw}, content...)
	}

	enc := cm.encoders.Get().(*zstd.Encoder)
	defer cm.encoders.Put(enc)

	out := enc.EncodeAll(content, []byte{flagZstd})
	if len(out) >= len(content)+1 {
		return append([]byte{flagRaw}, content...)
	}
	return out
}

func (cm *compressionManager) decode(record []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("empty cache record")
	}

	switch record[0] {
	case flagRaw:
		return bytes.Clone(record[1:]), nil
	case flagZstd:
		dec := cm.decoders.Get().(*zstd.Decoder)
		defer cm.decoders.Put(dec)
		return dec.DecodeAll(record[1:], nil)
	default:
		return nil, fmt.Errorf("unknown cache record flag %d", record[0])
	}
}
