package kvrepo

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Index is a secondary index of a collection. Its values come either from
// an extractor given at definition time (IndexOn, FieldIndex) or from the
// collection's Indexer callback via IndexBuilder.Add.
type Index struct {
	name    string
	unique  bool
	extract func(rec any) any
	coll    string
}

// AddIndex declares an index whose values are supplied by the collection's
// Indexer.
func AddIndex(name string) *Index {
	mustValidName("index", name)
	return &Index{name: name}
}

// IndexOn declares an index over a value derived from the record. Slices
// produce one entry per element.
func IndexOn[T any](name string, f func(rec *T) any) *Index {
	idx := AddIndex(name)
	idx.extract = func(rec any) any {
		return f(rec.(*T))
	}
	return idx
}

// FieldIndex declares an index over a field addressed by its JSON name,
// with dots for nested fields. Works with structs and Documents alike.
func FieldIndex(name, path string) *Index {
	idx := AddIndex(name)
	idx.extract = func(rec any) any {
		v, _ := lookupField(rec, path)
		return v
	}
	return idx
}

// Unique makes the index reject a value already claimed by another record.
func (idx *Index) Unique() *Index {
	idx.unique = true
	return idx
}

func (idx *Index) Name() string {
	return idx.name
}

func (idx *Index) IsUnique() bool {
	return idx.unique
}

func (idx *Index) FullName() string {
	return idx.coll + "." + idx.name
}

func (idx *Index) String() string {
	return idx.FullName()
}

type IndexBuilder struct {
	coll string
	refs []indexRef
}

// Add records value (or each element of a slice value) under idx. Values
// that format to an empty string are not indexed.
func (b *IndexBuilder) Add(idx *Index, value any) {
	if idx.coll != b.coll {
		panic(fmt.Errorf("%s: index does not belong to collection %s", idx.FullName(), b.coll))
	}
	for _, v := range fieldValues(value) {
		if s := FormatIndexValue(v); s != "" {
			b.refs = append(b.refs, indexRef{idx.name, s})
		}
	}
}

const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatIndexValue converts a value into the string stored in index keys.
// Strings are used verbatim. Integers and floats share one fixed-width form
// that sorts in numeric order; times are formatted as fixed-width UTC
// timestamps.
func FormatIndexValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		if v.IsZero() {
			return ""
		}
		return v.UTC().Format(indexTimeFormat)
	case fmt.Stringer:
		return v.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return formatSortableInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return fmt.Sprintf("u%020d", u)
		}
		return formatSortableInt(int64(u))
	case reflect.Float32, reflect.Float64:
		return formatSortableFloat(rv.Float())
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	default:
		return fmt.Sprint(v)
	}
}

func formatSortableInt(n int64) string {
	return fmt.Sprintf("%020d", uint64(n)^(1<<63))
}

// formatSortableFloat uses the integer form for the floor of f and appends
// the fractional digits after ':', so floats and integers sort together:
// enc(-2) < enc(-2)+":5" (-1.5) < enc(-1). ':' sorts after the '/' that
// follows a value in index keys, keeping key order numeric as well.
// Values outside the int64 range and NaN fall back to plain text.
func formatSortableFloat(f float64) string {
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	whole := math.Floor(f)
	frac := f - whole
	if frac >= 1 {
		// -tiny rounds up to the next integer
		return formatSortableInt(int64(whole) + 1)
	}
	s := formatSortableInt(int64(whole))
	if frac != 0 {
		digits := strconv.FormatFloat(frac, 'f', -1, 64)
		s += ":" + digits[2:] // drop the leading "0."
	}
	return s
}
