// Package encoding provides centralized serialization for safs.
// ALL msgpack operations MUST go through this package so log records, clock
// cells and transport batches decode the same way everywhere.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte). SQLite treats BLOB and TEXT as different types, so
// a cell value that round-trips as []byte would never compare equal again.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// []byte -> string when decoding into interface{}
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// NormalizeValue maps a decoded cell value onto the canonical Go type used for
// comparisons: all integers become int64, float32 becomes float64, []byte
// becomes string.
func NormalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	default:
		return v
	}
}
