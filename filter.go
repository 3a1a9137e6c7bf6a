package kvrepo

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Filter maps field paths (or index names) to the value they must equal,
// or to a Range. Keys naming an index of the collection are matched against
// the record's index values; other keys against the record field.
type Filter map[string]any

// Range matches values within its bounds. Nil bounds are open.
type Range struct {
	Gt  any
	Gte any
	Lt  any
	Lte any
}

func (r Range) String() string {
	var parts []string
	for _, b := range []struct {
		op string
		v  any
	}{{">", r.Gt}, {">=", r.Gte}, {"<", r.Lt}, {"<=", r.Lte}} {
		if b.v != nil {
			parts = append(parts, fmt.Sprintf("%s%v", b.op, b.v))
		}
	}
	return "range(" + strings.Join(parts, ",") + ")"
}

func (r Range) isEmpty() bool {
	return r.Gt == nil && r.Gte == nil && r.Lt == nil && r.Lte == nil
}

func asRange(v any) (Range, bool) {
	switch r := v.(type) {
	case Range:
		return r, true
	case *Range:
		if r != nil {
			return *r, true
		}
	}
	return Range{}, false
}

func (f Filter) keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// canonical renders the filter deterministically for cursor scoping.
func (f Filter) canonical() string {
	var buf strings.Builder
	for _, k := range f.keys() {
		fmt.Fprintf(&buf, "%s=%T:%v;", k, f[k], f[k])
	}
	return buf.String()
}

// matchRange checks a comparison result against the range bounds using cmp.
func matchRange(r Range, cmp func(bound any) (int, bool)) bool {
	check := func(bound any, ok func(c int) bool) bool {
		if bound == nil {
			return true
		}
		c, comparable := cmp(bound)
		return comparable && ok(c)
	}
	return check(r.Gt, func(c int) bool { return c > 0 }) &&
		check(r.Gte, func(c int) bool { return c >= 0 }) &&
		check(r.Lt, func(c int) bool { return c < 0 }) &&
		check(r.Lte, func(c int) bool { return c <= 0 })
}

// matchIndexValues reports whether any of the formatted index values
// satisfies cond.
func matchIndexValues(values []string, cond any) bool {
	if r, ok := asRange(cond); ok {
		for _, v := range values {
			if matchRange(r, func(bound any) (int, bool) {
				return strings.Compare(v, FormatIndexValue(bound)), true
			}) {
				return true
			}
		}
		return false
	}
	want := FormatIndexValue(cond)
	return slices.Contains(values, want)
}

// matchField reports whether a field value (or any element of a slice
// value) satisfies cond.
func matchField(field any, found bool, cond any) bool {
	if !found {
		return cond == nil
	}
	values := fieldValues(field)
	if r, ok := asRange(cond); ok {
		for _, v := range values {
			if matchRange(r, func(bound any) (int, bool) {
				return compareValues(v, bound)
			}) {
				return true
			}
		}
		return false
	}
	if cond == nil {
		return len(values) == 0
	}
	for _, v := range values {
		if equalValues(v, cond) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two scalars of compatible kinds: numbers of any
// type, strings, times and bools.
func compareValues(a, b any) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), true
		}
		return 0, false
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !ra.IsValid() || !rb.IsValid() {
		return 0, false
	}
	switch {
	case ra.Kind() == reflect.String && rb.Kind() == reflect.String:
		return strings.Compare(ra.String(), rb.String()), true
	case ra.Kind() == reflect.Bool && rb.Kind() == reflect.Bool:
		x, y := ra.Bool(), rb.Bool()
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	}
	if ia, ok := asInt(ra); ok {
		if ib, ok := asInt(rb); ok {
			switch {
			case ia < ib:
				return -1, true
			case ia > ib:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	fa, oka := asFloat(ra)
	fb, okb := asFloat(rb)
	if !oka || !okb || math.IsNaN(fa) || math.IsNaN(fb) {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func asInt(v reflect.Value) (int64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	default:
		return 0, false
	}
}

func asFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), true
	default:
		return 0, false
	}
}

// searcher matches a term as a case-insensitive substring of the text
// fields of a record. Case folding is Unicode-aware.
type searcher struct {
	folder cases.Caser
	term   string
	fields []string
}

func newSearcher(term string, fields []string) *searcher {
	s := &searcher{folder: cases.Fold(), fields: fields}
	s.term = s.fold(term)
	return s
}

func (s *searcher) fold(str string) string {
	return s.folder.String(norm.NFC.String(str))
}

func (s *searcher) matches(rec any) bool {
	for _, path := range s.fields {
		v, ok := lookupField(rec, path)
		if !ok {
			continue
		}
		for _, e := range fieldValues(v) {
			var text string
			switch e := e.(type) {
			case string:
				text = e
			case fmt.Stringer:
				text = e.String()
			default:
				text = fmt.Sprint(e)
			}
			if strings.Contains(s.fold(text), s.term) {
				return true
			}
		}
	}
	return false
}
