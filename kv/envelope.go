package kv

import (
	"encoding/binary"
	"fmt"
)

// Engines without a native version column store values as
// uvarint(version) followed by the payload.

func encodeVersioned(ver Version, payload []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(payload))
	buf = binary.AppendUvarint(buf, uint64(ver))
	return append(buf, payload...)
}

// decodeVersioned copies the payload out, so raw may be engine-owned memory.
func decodeVersioned(raw []byte) (Version, []byte, error) {
	ver, n := binary.Uvarint(raw)
	if n <= 0 {
		return NoVersion, nil, fmt.Errorf("kv: corrupted value header (%d bytes)", len(raw))
	}
	payload := make([]byte, len(raw)-n)
	copy(payload, raw[n:])
	return Version(ver), payload, nil
}

func versionOf(raw []byte) (Version, error) {
	if raw == nil {
		return NoVersion, nil
	}
	ver, n := binary.Uvarint(raw)
	if n <= 0 {
		return NoVersion, fmt.Errorf("kv: corrupted value header (%d bytes)", len(raw))
	}
	return Version(ver), nil
}

func decodeEntry(k, v []byte) (Entry, error) {
	ver, payload, err := decodeVersioned(v)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", k, err)
	}
	return Entry{Key: string(k), Value: payload, Version: ver, Found: true}, nil
}
