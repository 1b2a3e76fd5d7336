package storage

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how a stored record body is compressed
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

// String returns the configuration name of c
func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	}
	return "none"
}

// ParseCodec accepts "zstd", "lz4" or "none"
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "", "none":
		return CodecNone, nil
	}
	return CodecNone, fmt.Errorf("unknown compression %q", name)
}

// Bodies shorter than this are stored as is.
const minCompressSize = 64

// Compressor compresses record bodies with the configured codec. It can
// decompress every codec, so records written under an earlier
// configuration stay readable.
type Compressor struct {
	codec    Codec
	lz4Level lz4.CompressionLevel
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewCompressor creates a compressor for codec. level ranges from 1
// (fastest) to 4 (smallest).
func NewCompressor(codec Codec, level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	lz4Level := lz4.Fast
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
		lz4Level = lz4.Level3
	case 3:
		encLevel = zstd.SpeedBetterCompression
		lz4Level = lz4.Level6
	case 4:
		encLevel = zstd.SpeedBestCompression
		lz4Level = lz4.Level9
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		codec:    codec,
		lz4Level: lz4Level,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Compress returns the stored form of body and the codec used
func (c *Compressor) Compress(body []byte) (Codec, []byte, error) {
	if len(body) < minCompressSize {
		return CodecNone, body, nil
	}

	switch c.codec {
	case CodecZstd:
		return CodecZstd, c.encoder.EncodeAll(body, make([]byte, 0, len(body))), nil
	case CodecLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if err := zw.Apply(lz4.CompressionLevelOption(c.lz4Level)); err != nil {
			return 0, nil, fmt.Errorf("failed to configure lz4: %w", err)
		}
		if _, err := zw.Write(body); err != nil {
			return 0, nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return 0, nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		return CodecLZ4, buf.Bytes(), nil
	}
	return CodecNone, body, nil
}

// Decompress restores a body stored with codec
func (c *Compressor) Decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		return out, nil
	case CodecLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown codec %d", codec)
}

// Close closes the compressor resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
