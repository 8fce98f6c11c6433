package protocol

import (
	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the default frame size above which a zstd-capable client
// receives a compressed binary frame instead of a JSON text frame.
const CompressThreshold = 16 * 1024

const CompressionZstd = "zstd"

var (
	frameEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	frameDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
)

// EncodeFrame returns the bytes to put on the wire for an encoded JSON message.
// binary reports whether the payload was compressed.
func EncodeFrame(msg []byte, zstdOK bool, threshold int) (data []byte, binary bool) {
	if threshold <= 0 {
		threshold = CompressThreshold
	}
	if !zstdOK || len(msg) < threshold {
		return msg, false
	}
	return frameEncoder.EncodeAll(msg, make([]byte, 0, len(msg)/3)), true
}

// DecodeFrame returns the JSON message carried by a frame.
func DecodeFrame(data []byte, binary bool) ([]byte, error) {
	if !binary {
		return data, nil
	}
	return frameDecoder.DecodeAll(data, nil)
}
