package wire

import (
	"github.com/klauspost/compress/zstd"

	"github.com/cubrid/gobroker/internal/brokererr"
)

// Compression tags whether a payload went through zstd (spec
// SPEC_FULL.md §B). The RPC frame format carries no compression flag.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// compressionThreshold is the payload size past which CompressPayload
// tries zstd. Below it the zstd header overhead isn't worth paying.
// The frame codec and the worker's RPC loop do not call CompressPayload.
const compressionThreshold = 4096

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	zstdEncoder = enc
	zstdDecoder = dec
}

// CompressPayload compresses data with zstd when it is large enough and
// compression actually shrinks it; otherwise it returns data unchanged
// with CompressionNone.
func CompressPayload(data []byte) ([]byte, Compression) {
	if len(data) < compressionThreshold {
		return data, CompressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, CompressionNone
	}
	return compressed, CompressionZstd
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte, c Compression) ([]byte, error) {
	if c == CompressionNone {
		return data, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.CodeARG, err)
	}
	return out, nil
}
