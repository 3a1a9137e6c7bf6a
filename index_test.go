package kvrepo

import (
	"math"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatIndexValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"Ada", "Ada"},
		{[]byte("raw"), "raw"},
		{true, "true"},
		{0, "09223372036854775808"},
		{100, "09223372036854775908"},
		{int8(-1), "09223372036854775807"},
		{uint16(7), "09223372036854775815"},
		{float64(100), "09223372036854775908"},
		{1.5, "09223372036854775809:5"},
		{-0.25, "09223372036854775807:75"},
		{uint64(math.MaxUint64), "u18446744073709551615"},
		{time.Time{}, ""},
		{time.Date(2024, 3, 1, 12, 0, 0, 5, time.FixedZone("X", 3600)), "2024-03-01T11:00:00.000000005Z"},
		{OpPut, "put"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatIndexValue(tt.in), "%T %v", tt.in, tt.in)
	}
}

func TestFormatIndexValue_IntsSortNumerically(t *testing.T) {
	nums := []int64{math.MinInt64, -1000, -1, 0, 1, 9, 10, 1000, math.MaxInt64}
	var formatted []string
	for _, n := range nums {
		formatted = append(formatted, FormatIndexValue(n))
	}
	assert.True(t, slices.IsSorted(formatted), "%v", formatted)
	for _, s := range formatted {
		assert.Len(t, s, 20)
	}
}

func TestFormatIndexValue_NumbersSortTogether(t *testing.T) {
	nums := []any{-1e6, int64(-3), -2.5, -2, -0.001, 0, 0.5, 1, 1.25, 1.5, 2, 2.4, 2.5, int8(3), 10.5, uint32(11)}
	var formatted []string
	for _, n := range nums {
		formatted = append(formatted, FormatIndexValue(n))
	}
	assert.True(t, slices.IsSorted(formatted), "%v", formatted)

	// a value followed by the '/' of its index key still sorts before its fractions
	assert.Less(t, FormatIndexValue(2)+"/", FormatIndexValue(2.5))
	assert.Less(t, FormatIndexValue(2.5)+"/", FormatIndexValue(3))
}

func TestIndexBuilder_Add(t *testing.T) {
	ib := IndexBuilder{coll: "users"}
	ib.Add(usersByTag, []string{"a", "", "b"})
	ib.Add(usersByAge, nil)
	ib.Add(usersByAge, 42)
	assert.Equal(t, []indexRef{{"tag", "a"}, {"tag", "b"}, {"age", "09223372036854775850"}}, ib.refs)

	assert.Panics(t, func() { ib.Add(ordersByStatus, "open") })
}

func TestCollection_IndexRefs(t *testing.T) {
	refs := usersColl.indexRefs(&User{ID: "u1", Email: "a@x", Tags: []string{"z", "a", "z"}})
	assert.Equal(t, []indexRef{{"email", "a@x"}, {"tag", "a"}, {"tag", "z"}}, refs)

	refs = notesColl.indexRefs(&Document{"id": "n1", "author": "u1", "place": map[string]any{"city": "Oslo"}})
	assert.Equal(t, []indexRef{{"author", "u1"}, {"city", "Oslo"}}, refs)

	refs = ordersColl.indexRefs(&Order{ID: "o1", Status: "open", Total: 5})
	assert.Equal(t, []indexRef{{"status", "open"}, {"total", "09223372036854775813"}}, refs)
}

func TestIndex_Names(t *testing.T) {
	assert.Equal(t, "users.email", usersByEmail.FullName())
	assert.Equal(t, "email", usersByEmail.Name())
	assert.True(t, usersByEmail.IsUnique())
	assert.False(t, usersByTag.IsUnique())
	assert.Panics(t, func() { AddIndex("by/slash") })
}
