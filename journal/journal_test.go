package journal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagizoltan/kvrepo/journal"
	"github.com/dagizoltan/kvrepo/journal/journaltest"
)

const magic = "'JOURNLAT"
const header1 = "0/ver 0/pad 0_0/flags 0../pad"
const header2 = "0*32/journal_inv 0*32/seg_inv 0...*3/reserved"

func TestJournal_trivial(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	require.NoError(t, j.WriteRecord(0, []byte("hello")))
	require.NoError(t, j.WriteRecord(0, []byte("w")))
	j.Advance(1000 * time.Second)
	require.NoError(t, j.WriteRecord(0, []byte("orld")))
	require.NoError(t, j.Commit())

	files := j.FileNames()
	require.Equal(t, []string{"j000000000001-20240101T000000-0000000000000001.wal"}, files)

	j.Eq(files[0], shdr("1.. 80_00_92_65 0...", "e984dc85563d5731"),
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
		"7d_33_a6_68_73_e0_8f_ee",
	)
}

func TestJournal_ReplayReturnsOnlyCommittedRecords(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	id, err := j.Append([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	id, err = j.Append([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	require.NoError(t, j.WriteRecord(0, []byte("uncommitted")))
	assert.Equal(t, []string{"a", "b"}, j.Records())

	var ids []uint64
	require.NoError(t, j.Replay(2, func(rec journal.Record) error {
		ids = append(ids, rec.ID)
		assert.Equal(t, journaltest.Start, rec.Time())
		return nil
	}))
	assert.Equal(t, []uint64{2}, ids)
}

func TestJournal_ReopenTruncatesTornTail(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	_, err := j.Append([]byte("first"))
	require.NoError(t, err)
	_, err = j.Append([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, j.FinishWriting())

	name := j.FileNames()[0]
	size := len(j.Data(name))
	j.AppendRaw(name, journaltest.Expand("#10 #0 'trunc"))

	j.Reopen()
	assert.Len(t, j.Data(name), size)
	assert.Equal(t, uint64(2), j.LastRecord())

	id, err := j.Append([]byte("third"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
	assert.Equal(t, []string{"first", "second", "third"}, j.Records())
	assert.Len(t, j.FileNames(), 1)
}

func TestJournal_CorruptedCommitIsDropped(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	_, err := j.Append([]byte("keep"))
	require.NoError(t, err)
	require.NoError(t, j.FinishWriting())

	name := j.FileNames()[0]
	j.AppendRaw(name, journaltest.Expand("#8 #0 'lost 01_02_03_04_05_06_07_08"))
	assert.Equal(t, []string{"keep"}, j.Records())

	j.Reopen()
	_, err = j.Append([]byte("next"))
	require.NoError(t, err)
	assert.Equal(t, []string{"keep", "next"}, j.Records())
}

func TestJournal_RotatesSegments(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 200})
	for _, s := range []string{"one", "two", "three", "four", "five"} {
		j.Advance(time.Second)
		_, err := j.Append([]byte(s + " padded to make the record long enough"))
		require.NoError(t, err)
	}
	files := j.FileNames()
	assert.Greater(t, len(files), 1)
	assert.Equal(t, "j000000000001-20240101T000001-0000000000000001.wal", files[0])

	recs := j.Records()
	require.Len(t, recs, 5)
	assert.Equal(t, "five padded to make the record long enough", recs[4])

	var ids []uint64
	require.NoError(t, j.Replay(4, func(rec journal.Record) error {
		ids = append(ids, rec.ID)
		return nil
	}))
	assert.Equal(t, []uint64{4, 5}, ids)

	j.Reopen()
	id, err := j.Append([]byte("six"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), id)
}

func TestJournal_RejectsWritesAfterFinish(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	require.NoError(t, j.FinishWriting())
	_, err := j.Append([]byte("x"))
	assert.ErrorIs(t, err, journal.ErrReadOnly)
	require.NoError(t, j.StartWriting())
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/journal"
	j, err := journal.Open(dir, journal.Options{})
	require.NoError(t, err)
	_, err = j.Append([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, j.FinishWriting())
}

func shdr(inside, check string) string {
	return magic + " " + header1 + " " +
		inside + " " + header2 + " " + check
}

func TestJournal_Fsync(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{Fsync: true})
	_, err := j.Append([]byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []string{"durable"}, j.Records())
}
