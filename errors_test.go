package kvrepo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dagizoltan/kvrepo/kv"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindNotFound}, "NOT_FOUND"},
		{notFoundErr("users", "u1"), "users/u1: NOT_FOUND: record not found"},
		{
			validationErr("users", "u1", Issue{Path: "email", Message: "is required"}, Issue{Message: "bad"}),
			"users/u1: VALIDATION_ERROR: invalid record: email: is required; bad",
		},
		{
			&Error{Kind: KindConflict, Collection: "users", Index: "email", ID: "u2", Message: "taken"},
			"users.email/u2: CONFLICT: taken",
		},
		{
			persistenceErrf("users", "", errors.New("disk full"), "write failed"),
			"users: PERSISTENCE_ERROR: write failed: disk full",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestError_Is(t *testing.T) {
	inner := errors.New("inner")
	err := fmt.Errorf("saving: %w", conflictErrf("users", "u1", inner, "gave up"))

	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, inner)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, &Error{Kind: KindConflict, Collection: "orders"})

	var e *Error
	assert.ErrorAs(t, err, &e)
	assert.Equal(t, "u1", e.ID)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindNotFound, KindOf(notFoundErr("users", "u1")))
	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("x: %w", kv.ErrConflict)))
	assert.Equal(t, KindPersistence, KindOf(context.Canceled))
	assert.Equal(t, KindPersistence, KindOf(errors.New("boom")))
}

func TestAsError_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := asError(cause)
	assert.Equal(t, KindPersistence, e.Kind)
	assert.ErrorIs(t, e, cause)

	e = asError(context.DeadlineExceeded)
	assert.Equal(t, "interrupted", e.Message)
	assert.ErrorIs(t, e, context.DeadlineExceeded)
}
