package kvrepo

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
)

const (
	valueFormatVer1 = 1

	minValueSize       = 4
	maxValueHeaderSize = binary.MaxVarintLen64 * 4
	maxSchemaVersion   = 32768 // sanity value, can be increased
)

// value is a stored record: the encoded record plus the index entries that
// were written for it, so that updates and deletes can remove exactly those
// entries even after index definitions change.
type value struct {
	SchemaVer uint64
	Data      []byte
	Index     []indexRef
}

func (vle *value) encode() []byte {
	index := encodeIndexRefs(vle.Index)
	buf := make([]byte, 0, maxValueHeaderSize+len(vle.Data)+len(index))
	buf = binary.AppendUvarint(buf, valueFormatVer1)
	buf = binary.AppendUvarint(buf, vle.SchemaVer)
	buf = binary.AppendUvarint(buf, uint64(len(vle.Data)))
	buf = binary.AppendUvarint(buf, uint64(len(index)))
	buf = append(buf, vle.Data...)
	buf = append(buf, index...)
	return buf
}

func (vle *value) decode(data []byte) error {
	if len(data) < minValueSize {
		return fmt.Errorf("invalid value: at least %d bytes required", minValueSize)
	}
	var hdr [4]uint64
	for i := range hdr {
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return fmt.Errorf("invalid value: bad header field %d", i)
		}
		hdr[i], data = v, data[n:]
	}
	if hdr[0] != valueFormatVer1 {
		return fmt.Errorf("invalid value: unsupported format %d", hdr[0])
	}
	if hdr[1] > maxSchemaVersion {
		return fmt.Errorf("invalid value: bad schema version %d", hdr[1])
	}
	dataSize, indexSize := hdr[2], hdr[3]
	if uint64(len(data)) != dataSize+indexSize {
		return fmt.Errorf("invalid value: got %d bytes for data+index, expected %d bytes", len(data), dataSize+indexSize)
	}
	index, err := decodeIndexRefs(data[dataSize:])
	if err != nil {
		return err
	}
	vle.SchemaVer = hdr[1]
	vle.Data = data[:dataSize]
	vle.Index = index
	return nil
}

// indexRef names one index entry of a record: index name and formatted value.
type indexRef struct {
	Index string
	Value string
}

func (r indexRef) String() string {
	return r.Index + "=" + r.Value
}

func compareIndexRefs(a, b indexRef) int {
	if c := strings.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

func encodeIndexRefs(refs []indexRef) []byte {
	if len(refs) == 0 {
		return nil
	}
	buf := binary.AppendUvarint(nil, uint64(len(refs)))
	for _, r := range refs {
		buf = binary.AppendUvarint(buf, uint64(len(r.Index)))
		buf = append(buf, r.Index...)
		buf = binary.AppendUvarint(buf, uint64(len(r.Value)))
		buf = append(buf, r.Value...)
	}
	return buf
}

func decodeIndexRefs(data []byte) ([]indexRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	count, n := binary.Uvarint(data)
	if n <= 0 || count > uint64(len(data)) {
		return nil, fmt.Errorf("invalid index: bad count")
	}
	data = data[n:]
	readString := func() (string, bool) {
		size, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < size {
			return "", false
		}
		s := string(data[n : n+int(size)])
		data = data[n+int(size):]
		return s, true
	}
	refs := make([]indexRef, 0, count)
	for i := uint64(0); i < count; i++ {
		name, ok1 := readString()
		val, ok2 := readString()
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid index: truncated entry %d", i)
		}
		refs = append(refs, indexRef{name, val})
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("invalid index: %d trailing bytes", len(data))
	}
	return refs, nil
}

// normalizeIndexRefs sorts and dedupes refs in place.
func normalizeIndexRefs(refs []indexRef) []indexRef {
	slices.SortFunc(refs, compareIndexRefs)
	return slices.Compact(refs)
}

// diffIndexRefs returns refs present only in next (added) and only in prev
// (removed). Both inputs must be normalized.
func diffIndexRefs(prev, next []indexRef) (added, removed []indexRef) {
	i, j := 0, 0
	for i < len(prev) || j < len(next) {
		switch {
		case i == len(prev):
			added = append(added, next[j])
			j++
		case j == len(next):
			removed = append(removed, prev[i])
			i++
		default:
			switch c := compareIndexRefs(prev[i], next[j]); {
			case c == 0:
				i++
				j++
			case c < 0:
				removed = append(removed, prev[i])
				i++
			default:
				added = append(added, next[j])
				j++
			}
		}
	}
	return added, removed
}
