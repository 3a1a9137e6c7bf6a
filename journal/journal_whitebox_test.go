package journal

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	seq, ts, id, err := parseSegmentName("123-20230101T000000-11223344aabbccdd")
	require.NoError(t, err)
	assert.Equal(t, uint32(123), seq)
	assert.Equal(t, uint32(1672531200), ts)
	assert.Equal(t, uint64(0x11223344_aabbccdd), id)

	_, _, _, err = parseSegmentName("123-20230101T000000-0")
	assert.Error(t, err)
	_, _, _, err = parseSegmentName("garbage")
	assert.Error(t, err)
}

func TestFormatName(t *testing.T) {
	name := formatSegmentName("x", "y", 123, 1672531200, 0x11223344_aabbccdd)
	assert.Equal(t, "x000000000123-20230101T000000-11223344aabbccddy", name)
}

func TestReadUvarint(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		raw := appendRecordHeader(nil, int(v), 0)
		got, buf, ok := readUvarint(bufio.NewReader(bytes.NewReader(raw)), nil)
		require.True(t, ok)
		assert.Equal(t, v<<recordFlagShift, got)
		assert.Equal(t, raw[:len(buf)], buf)
	}
}

func TestScanRecords_EmptyCommitIsInvalid(t *testing.T) {
	var hash xxhash.Digest
	hash.Reset()
	var marker [8]byte
	marker[0] = recordFlagCommit
	scan, err := scanRecords(bufio.NewReader(bytes.NewReader(marker[:])), 0, &hash, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(segmentHeaderSize), scan.size)
	assert.Zero(t, scan.count)
}
