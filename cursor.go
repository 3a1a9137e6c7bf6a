package kvrepo

import (
	"encoding/base64"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Cursor is an opaque pagination token. It encodes the last key scanned and
// a hash of the query it belongs to, so a cursor is rejected when replayed
// against a different tenant, collection, index or filter.
type Cursor string

type cursorToken struct {
	Key   string `msgpack:"k"`
	Scope uint64 `msgpack:"s"`
}

func cursorScope(parts ...string) uint64 {
	var d xxhash.Digest
	d.Reset()
	for _, p := range parts {
		d.WriteString(p)
		d.Write([]byte{0})
	}
	return d.Sum64()
}

func encodeCursor(key string, scope uint64) Cursor {
	raw, err := msgpack.Marshal(&cursorToken{Key: key, Scope: scope})
	if err != nil {
		panic(err)
	}
	return Cursor(base64.RawURLEncoding.EncodeToString(raw))
}

// decodeCursor returns the key to resume after, or "" for an empty cursor.
func decodeCursor(c Cursor, scope uint64, prefix string) (string, error) {
	if c == "" {
		return "", nil
	}
	invalid := &Error{Kind: KindValidation, Message: "invalid cursor", Issues: []Issue{{Path: "cursor", Message: "malformed or from a different query", Code: "cursor"}}}
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return "", invalid
	}
	var tok cursorToken
	if err := msgpack.Unmarshal(raw, &tok); err != nil {
		return "", invalid
	}
	if tok.Scope != scope || !strings.HasPrefix(tok.Key, prefix) {
		return "", invalid
	}
	return tok.Key, nil
}
