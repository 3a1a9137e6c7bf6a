// Package journal implements append-only segmented journal files, used to
// keep a durable feed of committed repository changes.
//
// Records are grouped into commits. Every commit ends with a checksum of
// everything written to the segment so far, so a reader can tell a torn tail
// apart from valid data. On reopen, anything after the last valid commit is
// truncated away and appending continues in the same segment. Segments are
// rotated once they grow past MaxFileSize.
//
// File format:
//
//   - file = segmentHeader (record+ commit)*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segmentOrdinal:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:192 checksum:64
//   - record = (size<<1):uvarint timestampDelta:uvarint bytes*
//   - commit = checksum:64, with the lowest bit of the first byte set
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrReadOnly           = fmt.Errorf("journal is not open for writing")
	errCorruptedFile      = fmt.Errorf("corrupted journal segment file")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "mydb-*.bin"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	Fsync            bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const maxRecordSize = 256 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	segFlagAligned uint16 = 1 << 0
)

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
)

// Record is a committed journal record. IDs start at 1 and increase by one
// across segments.
type Record struct {
	ID        uint64
	Timestamp uint32
	Data      []byte
}

func (r Record) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0).UTC()
}

// Journal represents a set of segment files in one directory.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	aligned          bool
	verbose          bool
	fsync            bool
	writable         bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		aligned:          false,
		verbose:          o.Verbose,
		fsync:            o.Fsync,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
	}
}

// Open creates dir if needed and returns a journal ready for writing.
func Open(dir string, o Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := New(dir, o)
	if err := j.StartWriting(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

// StartWriting recovers the last segment, truncating any uncommitted tail,
// and prepares the journal for appending.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writable {
		return nil
	}
	if j.writeErr != nil {
		return j.writeErr
	}
	if err := j.prepareToWrite_locked(); err != nil {
		return j.fail(err)
	}
	j.writable = true
	return nil
}

func (j *Journal) prepareToWrite_locked() error {
	ds, err := os.Stat(j.dir)
	if err != nil {
		return err
	}
	if !ds.IsDir() {
		return fmt.Errorf("%v: not a directory", j.debugName)
	}

	for {
		names, err := j.segmentNames()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		lastName := names[len(names)-1]

		seq, _, firstRec, err := j.parseFileName(lastName)
		if err != nil {
			return err
		}

		f, err := j.openFile(lastName, true)
		if err != nil {
			return err
		}
		stat, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}

		var h segmentHeader
		var hash xxhash.Digest
		hash.Reset()
		err = j.readHeader(f, &h, seq, &hash)
		if err == errCorruptedFile {
			f.Close()
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: deleting corrupted file", slog.String("jrnl", j.debugName), slog.String("file", lastName), slog.Int64("size", stat.Size()))
			if err := os.Remove(filepath.Join(j.dir, lastName)); err != nil {
				return fmt.Errorf("journal: failed to delete corrupted file: %w", err)
			}
			continue
		} else if err != nil {
			f.Close()
			return err
		}

		scan, err := scanRecords(bufio.NewReader(f), h.Timestamp, &hash, firstRec, nil)
		if err != nil {
			f.Close()
			return err
		}
		if scan.size < stat.Size() {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: truncating uncommitted tail", slog.String("jrnl", j.debugName), slog.String("file", lastName), slog.Int64("size", stat.Size()), slog.Int64("committed", scan.size))
			if err := f.Truncate(scan.size); err != nil {
				f.Close()
				return err
			}
		}
		if _, err := f.Seek(scan.size, io.SeekStart); err != nil {
			f.Close()
			return err
		}

		j.writeSeg = seq
		j.writeRec = firstRec - 1 + scan.count
		sw := &segmentWriter{
			f:    f,
			seg:  seq,
			ts:   scan.ts,
			size: scan.size,
			hash: scan.hash,
		}
		if sw.size >= j.maxFileSize {
			sw.close()
		} else {
			j.segWriter = sw
		}
		if j.verbose {
			j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: resumed", slog.String("jrnl", j.debugName), slog.String("file", lastName), slog.Uint64("last_record", j.writeRec))
		}
		return nil
	}
}

func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	var err error
	if j.segWriter != nil && j.segWriter.uncommitted {
		err = j.segWriter.commit(j.fsync)
	}
	j.finishWriting_locked()
	return err
}

func (j *Journal) finishWriting_locked() {
	j.writable = false
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0o666)
	} else {
		return os.Open(fn)
	}
}

// segmentNames returns the segment file names in ordinal order.
func (j *Journal) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		if _, _, _, err := j.parseFileName(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (j *Journal) parseFileName(name string) (seq, ts uint32, id uint64, err error) {
	s := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
	return parseSegmentName(s)
}

// WriteRecord appends a record to the current commit. It becomes visible to
// readers after Commit.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("journal: record of %d bytes exceeds the limit of %d", len(data), maxRecordSize)
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeRecord_locked(timestamp, data)
}

func (j *Journal) writeRecord_locked(timestamp uint32, data []byte) error {
	if j.writeErr != nil {
		return j.writeErr
	}
	if !j.writable {
		return ErrReadOnly
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	j.writeRec++

	if j.segWriter == nil {
		j.writeSeg++

		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.commit_locked()
}

func (j *Journal) commit_locked() error {
	if j.segWriter == nil {
		return nil
	}
	if err := j.segWriter.commit(j.fsync); err != nil {
		return j.fail(err)
	}
	if j.segWriter.size >= j.maxFileSize {
		j.segWriter.close()
		j.segWriter = nil
	}
	return nil
}

// Append writes and commits a single record, returning its ID.
func (j *Journal) Append(data []byte) (uint64, error) {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if err := j.writeRecord_locked(0, data); err != nil {
		return 0, err
	}
	if err := j.commit_locked(); err != nil {
		return 0, err
	}
	return j.writeRec, nil
}

// Rotate closes the current segment; the next record starts a new one.
func (j *Journal) Rotate() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if err := j.commit_locked(); err != nil {
		return err
	}
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
	return nil
}

// LastRecord returns the ID of the last record written.
func (j *Journal) LastRecord() uint64 {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeRec
}

// Replay calls f for every committed record with ID >= from, in order.
func (j *Journal) Replay(from uint64, f func(rec Record) error) error {
	names, err := j.segmentNames()
	if err != nil {
		return err
	}
	for i, name := range names {
		if err := j.context.Err(); err != nil {
			return err
		}
		seq, _, firstRec, err := j.parseFileName(name)
		if err != nil {
			return err
		}
		if i+1 < len(names) {
			if _, _, nextFirst, err := j.parseFileName(names[i+1]); err == nil && nextFirst <= from {
				continue
			}
		}
		if err := j.replaySegment(name, seq, firstRec, from, f); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) replaySegment(name string, seq uint32, firstRec, from uint64, f func(rec Record) error) error {
	file, err := j.openFile(name, false)
	if err != nil {
		return err
	}
	defer file.Close()

	var h segmentHeader
	var hash xxhash.Digest
	hash.Reset()
	err = j.readHeader(file, &h, seq, &hash)
	if err == errCorruptedFile {
		return nil
	} else if err != nil {
		return err
	}
	_, err = scanRecords(bufio.NewReader(file), h.Timestamp, &hash, firstRec, func(rec Record) error {
		if rec.ID < from {
			return nil
		}
		return f(rec)
	})
	return err
}

func (j *Journal) readHeader(r io.Reader, h *segmentHeader, expectedSeq uint32, hash *xxhash.Digest) error {
	var buf [segmentHeaderSize]byte
	_, err := io.ReadFull(r, buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if h.Magic != magic || checksum != h.Checksum {
		return errCorruptedFile
	}
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	if ((h.Flags & segFlagAligned) != 0) != j.aligned {
		return ErrIncompatible
	}
	hash.Write(buf[:])
	return nil
}

type segmentScan struct {
	size  int64         // bytes up to the end of the last valid commit
	hash  xxhash.Digest // running checksum at size
	ts    uint32        // timestamp at size
	count uint64        // committed records
}

// scanRecords reads records following a segment header and reports each
// committed one to f. It stops quietly at the first torn or corrupted entry.
func scanRecords(r *bufio.Reader, ts uint32, hash *xxhash.Digest, firstRec uint64, f func(rec Record) error) (segmentScan, error) {
	last := segmentScan{size: segmentHeaderSize, hash: *hash, ts: ts}
	pos := int64(segmentHeaderSize)
	var pending []Record
	for {
		b, err := r.ReadByte()
		if err != nil {
			return last, nil
		}
		if b&recordFlagCommit != 0 {
			var marker [8]byte
			marker[0] = b
			if _, err := io.ReadFull(r, marker[1:]); err != nil {
				return last, nil
			}
			var expected [8]byte
			binary.LittleEndian.PutUint64(expected[:], hash.Sum64())
			expected[0] |= recordFlagCommit
			if marker != expected || len(pending) == 0 {
				return last, nil
			}
			hash.Write(marker[:])
			pos += 8
			if f != nil {
				for _, rec := range pending {
					if err := f(rec); err != nil {
						return last, err
					}
				}
			}
			last = segmentScan{size: pos, hash: *hash, ts: ts, count: last.count + uint64(len(pending))}
			pending = pending[:0]
			continue
		}
		if err := r.UnreadByte(); err != nil {
			return last, err
		}

		var hbuf [maxRecHeaderLen]byte
		h := hbuf[:0]
		sizeAndFlags, h, ok := readUvarint(r, h)
		if !ok || sizeAndFlags>>recordFlagShift > maxRecordSize {
			return last, nil
		}
		tsDelta, h, ok := readUvarint(r, h)
		if !ok || tsDelta > 0xFFFF_FFFF {
			return last, nil
		}
		data := make([]byte, sizeAndFlags>>recordFlagShift)
		if _, err := io.ReadFull(r, data); err != nil {
			return last, nil
		}
		hash.Write(h)
		hash.Write(data)
		pos += int64(len(h) + len(data))
		ts += uint32(tsDelta)
		pending = append(pending, Record{
			ID:        firstRec + last.count + uint64(len(pending)),
			Timestamp: ts,
			Data:      data,
		})
	}
}

func readUvarint(r io.ByteReader, buf []byte) (uint64, []byte, bool) {
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, buf, false
		}
		buf = append(buf, b)
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				return 0, buf, false
			}
			return x | uint64(b)<<s, buf, true
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, buf, false
}

type segmentWriter struct {
	f           *os.File
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.String("file", name))
	}
	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.f.Write(h)
	if err != nil {
		return err
	}

	sw.hash.Write(data)
	_, err = sw.f.Write(data)
	if err != nil {
		return err
	}

	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit(fsync bool) error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	_, err := sw.f.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += int64(len(buf))

	if fsync {
		return fdatasync(sw.f)
	}
	return nil
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     0,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}
	if j.aligned {
		h.Flags |= segFlagAligned
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	if id == 0 {
		return seq, ts, 0, fmt.Errorf("invalid segment file name %q (zero record identifier)", name)
	}
	return
}
