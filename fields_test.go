package kvrepo

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

type (
	address struct {
		City string `json:"city"`
	}
	profile struct {
		ID      string   `json:"id"`
		Home    *address `json:"home,omitempty"`
		Skipped string   `json:"-"`
		Plain   int
	}
	numericID struct {
		ID int `json:"id"`
	}
)

func TestRecordIDOf(t *testing.T) {
	assert.Equal(t, "p1", recordIDOf(&profile{ID: "p1"}))
	assert.Equal(t, "p1", recordIDOf(profile{ID: "p1"}))
	assert.Equal(t, "d1", recordIDOf(&Document{"id": "d1"}))
	assert.Equal(t, "", recordIDOf(Document{"id": 7}))
	assert.Equal(t, "", recordIDOf((*profile)(nil)))
	assert.Equal(t, "", recordIDOf(&numericID{ID: 1}))
	assert.Equal(t, "", recordIDOf(42))
}

func TestLookupField(t *testing.T) {
	p := &profile{ID: "p1", Home: &address{City: "Oslo"}, Skipped: "x", Plain: 3}

	v, ok := lookupField(p, "home.city")
	assert.True(t, ok)
	assert.Equal(t, "Oslo", v)

	v, ok = lookupField(p, "Plain")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = lookupField(p, "-")
	assert.False(t, ok)
	_, ok = lookupField(p, "Skipped")
	assert.False(t, ok)
	_, ok = lookupField(&profile{ID: "p2"}, "home.city")
	assert.False(t, ok)
	_, ok = lookupField(p, "id.length")
	assert.False(t, ok)

	doc := Document{"place": map[string]any{"city": "Rome"}, "tags": []any{"a"}}
	v, ok = lookupField(&doc, "place.city")
	assert.True(t, ok)
	assert.Equal(t, "Rome", v)
	v, ok = lookupField(doc, "tags")
	assert.True(t, ok)
	assert.Equal(t, []any{"a"}, v)
	_, ok = lookupField(doc, "place.zip")
	assert.False(t, ok)
}

func TestFieldValues(t *testing.T) {
	assert.Nil(t, fieldValues(nil))
	assert.Equal(t, []any{"x"}, fieldValues("x"))
	assert.Equal(t, []any{[]byte("ab")}, fieldValues([]byte("ab")))
	s := "p"
	assert.Equal(t, []any{"a", "p"}, fieldValues([]any{"a", nil, &s}))
	assert.Equal(t, []any{1, 2}, fieldValues([2]int{1, 2}))
}

func TestCheckRecordType(t *testing.T) {
	assert.NotPanics(t, func() { checkRecordType(reflect.TypeFor[profile]()) })
	assert.NotPanics(t, func() { checkRecordType(reflect.TypeFor[Document]()) })
	assert.Panics(t, func() { checkRecordType(reflect.TypeFor[numericID]()) })
	assert.Panics(t, func() { checkRecordType(reflect.TypeFor[string]()) })
}
