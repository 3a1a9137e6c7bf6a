package kvrepo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResult_Ok(t *testing.T) {
	r := Ok(42)
	assert.True(t, r.IsSuccess())
	assert.False(t, r.IsFailure())
	assert.Equal(t, 42, r.Value())
	assert.Equal(t, 42, r.Unwrap())
	assert.NoError(t, r.Err())
	assert.Nil(t, r.Failure())

	v, err := r.Get()
	assert.Equal(t, 42, v)
	assert.NoError(t, err)
}

func TestResult_Fail(t *testing.T) {
	r := Fail[*User](notFoundErr("users", "u1"))
	assert.True(t, r.IsFailure())
	assert.Nil(t, r.Value())
	assert.ErrorIs(t, r.Err(), ErrNotFound)
	assert.Equal(t, "u1", r.Failure().ID)
	assert.PanicsWithError(t, "users/u1: NOT_FOUND: record not found", func() { r.Unwrap() })

	// a nil error interface must not leak out of Err as a typed nil
	ok := Ok[*User](nil)
	assert.True(t, ok.Err() == nil)
}

func TestResult_FailClassifies(t *testing.T) {
	r := Fail[int](errors.New("io"))
	assert.Equal(t, KindPersistence, r.Failure().Kind)

	r = Fail[int](nil)
	assert.True(t, r.IsFailure())
	assert.Equal(t, KindPersistence, r.Failure().Kind)
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, "x", resultOf("x", nil).Unwrap())
	r := resultOf("x", validationErr("users", "", Issue{Path: "id", Message: "is required"}))
	assert.True(t, r.IsFailure())
	assert.Equal(t, "", r.Value())
	assert.Len(t, r.Failure().Issues, 1)
}
