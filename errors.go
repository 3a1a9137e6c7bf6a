package kvrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dagizoltan/kvrepo/kv"
)

type Kind string

const (
	KindValidation  Kind = "VALIDATION_ERROR"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindPersistence Kind = "PERSISTENCE_ERROR"
)

// Sentinels for errors.Is; any *Error of the same kind matches them.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrPersistence = &Error{Kind: KindPersistence}
)

// Issue is a single field-level validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (is Issue) String() string {
	if is.Path == "" {
		return is.Message
	}
	return is.Path + ": " + is.Message
}

// Error is the typed failure carried by every failed Result.
type Error struct {
	Kind       Kind
	Message    string
	Collection string
	Index      string
	ID         string
	Issues     []Issue
	Err        error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Collection == "" && t.ID == ""
}

func (e *Error) Error() string {
	var buf strings.Builder
	if e.Collection != "" {
		buf.WriteString(e.Collection)
		if e.Index != "" {
			buf.WriteByte('.')
			buf.WriteString(e.Index)
		}
		if e.ID != "" {
			buf.WriteByte('/')
			buf.WriteString(e.ID)
		}
		buf.WriteString(": ")
	}
	buf.WriteString(string(e.Kind))
	if e.Message != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Message)
	}
	for i, is := range e.Issues {
		if i == 0 {
			buf.WriteString(": ")
		} else {
			buf.WriteString("; ")
		}
		buf.WriteString(is.String())
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func validationErr(coll, id string, issues ...Issue) *Error {
	return &Error{Kind: KindValidation, Collection: coll, ID: id, Message: "invalid record", Issues: issues}
}

func notFoundErr(coll, id string) *Error {
	return &Error{Kind: KindNotFound, Collection: coll, ID: id, Message: "record not found"}
}

func conflictErrf(coll, id string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Collection: coll, ID: id, Message: fmt.Sprintf(format, args...), Err: err}
}

func persistenceErrf(coll, id string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindPersistence, Collection: coll, ID: id, Message: fmt.Sprintf(format, args...), Err: err}
}

// asError classifies any error into the taxonomy. *Error values pass through.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, kv.ErrConflict):
		return &Error{Kind: KindConflict, Message: "concurrent modification", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindPersistence, Message: "interrupted", Err: err}
	default:
		return &Error{Kind: KindPersistence, Message: "storage failure", Err: err}
	}
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return asError(err).Kind
}
