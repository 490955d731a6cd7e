package encoding

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			if err != nil {
				return nil
			}
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
)

// Compress zstd-compresses src using a pooled encoder.
func Compress(src []byte) ([]byte, error) {
	enc, ok := encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
	}
	defer encoderPool.Put(enc)

	return enc.EncodeAll(src, make([]byte, 0, len(src)/2+16)), nil
}

// Decompress reverses Compress.
func Decompress(src []byte) ([]byte, error) {
	dec, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		var err error
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer decoderPool.Put(dec)

	return dec.DecodeAll(src, nil)
}

// MarshalCompressed encodes v to msgpack and compresses the result.
func MarshalCompressed(v interface{}) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(data)
}

// UnmarshalCompressed reverses MarshalCompressed.
func UnmarshalCompressed(data []byte, v interface{}) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
