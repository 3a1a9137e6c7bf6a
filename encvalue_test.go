package kvrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_EncodeDecode(t *testing.T) {
	in := value{
		SchemaVer: 3,
		Data:      []byte{0x81, 0xa2, 'i', 'd', 0xa1, 'x'},
		Index:     []indexRef{{"email", "a@x"}, {"tag", ""}},
	}
	var out value
	require.NoError(t, out.decode(in.encode()))
	assert.Equal(t, in, out)

	empty := value{SchemaVer: 1, Data: []byte{0x80}}
	require.NoError(t, out.decode(empty.encode()))
	assert.Equal(t, uint64(1), out.SchemaVer)
	assert.Nil(t, out.Index)
}

func TestValue_DecodeRejectsGarbage(t *testing.T) {
	good := (&value{SchemaVer: 1, Data: []byte("data"), Index: []indexRef{{"a", "b"}}}).encode()

	tests := map[string][]byte{
		"short":          {1, 1},
		"format":         append([]byte{2}, good[1:]...),
		"schema version": {1, 0xff, 0xff, 0x03, 0, 0},
		"truncated":      good[:len(good)-1],
		"trailing":       append(append([]byte(nil), good...), 0),
	}
	for name, data := range tests {
		var vle value
		assert.Error(t, vle.decode(data), name)
	}
}

func TestDecodeIndexRefs(t *testing.T) {
	refs, err := decodeIndexRefs(nil)
	require.NoError(t, err)
	assert.Nil(t, refs)

	_, err = decodeIndexRefs([]byte{5, 1, 'a'})
	assert.Error(t, err)
	_, err = decodeIndexRefs([]byte{1, 1, 'a', 9, 'b'})
	assert.Error(t, err)
}

func TestDiffIndexRefs(t *testing.T) {
	prev := normalizeIndexRefs([]indexRef{{"tag", "b"}, {"email", "a@x"}, {"tag", "a"}, {"tag", "a"}})
	next := normalizeIndexRefs([]indexRef{{"tag", "c"}, {"email", "a@x"}, {"tag", "a"}})
	assert.Equal(t, []indexRef{{"email", "a@x"}, {"tag", "a"}, {"tag", "b"}}, prev)

	added, removed := diffIndexRefs(prev, next)
	assert.Equal(t, []indexRef{{"tag", "c"}}, added)
	assert.Equal(t, []indexRef{{"tag", "b"}}, removed)

	added, removed = diffIndexRefs(nil, next)
	assert.Equal(t, next, added)
	assert.Nil(t, removed)

	added, removed = diffIndexRefs(prev, nil)
	assert.Nil(t, added)
	assert.Equal(t, prev, removed)
}
