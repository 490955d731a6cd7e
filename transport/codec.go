// Package transport moves sync batches between sites over HTTP, gRPC, NATS
// or Kafka. Every transport ships the same compressed, checksummed frame.
package transport

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/safsdb/safs/encoding"
	"github.com/safsdb/safs/peersync"
)

// ContentType of an encoded batch
const ContentType = "application/x-safs-batch"

// ErrChecksum is returned when a frame does not match its checksum
var ErrChecksum = errors.New("batch checksum mismatch")

type frame struct {
	Payload []byte `msgpack:"p"`
	Sum     uint64 `msgpack:"s"`
}

// Encode serializes a batch into a frame
func Encode(b peersync.Batch) ([]byte, error) {
	payload, err := encoding.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return encoding.MarshalCompressed(frame{Payload: payload, Sum: xxhash.Sum64(payload)})
}

// Decode reverses Encode
func Decode(data []byte) (peersync.Batch, error) {
	var f frame
	if err := encoding.UnmarshalCompressed(data, &f); err != nil {
		return peersync.Batch{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if xxhash.Sum64(f.Payload) != f.Sum {
		return peersync.Batch{}, ErrChecksum
	}

	var b peersync.Batch
	if err := encoding.Unmarshal(f.Payload, &b); err != nil {
		return peersync.Batch{}, fmt.Errorf("failed to decode batch: %w", err)
	}
	return b, nil
}
