package kvrepo

import (
	"context"
	"fmt"
)

// Validator checks a record before it is written. A non-empty result
// rejects the write with VALIDATION_ERROR carrying the issues.
type Validator interface {
	Validate(collection string, rec any) []Issue
}

type ValidatorFunc func(collection string, rec any) []Issue

func (f ValidatorFunc) Validate(collection string, rec any) []Issue {
	return f(collection, rec)
}

// writer is one stage of the write pipeline.
type writer interface {
	save(ctx context.Context, tenant string, rec any) (*Change, error)
	remove(ctx context.Context, tenant, id string) (*Change, error)
}

// validatingWriter rejects records that lack an id or fail the collection's
// validator, before anything is read or written.
type validatingWriter struct {
	coll *Collection
	next writer
}

func (w *validatingWriter) save(ctx context.Context, tenant string, rec any) (*Change, error) {
	id := w.coll.recordID(rec)
	var issues []Issue
	if id == "" {
		issues = append(issues, Issue{Path: "id", Message: "is required", Code: "required"})
	}
	issues = append(issues, w.validate(rec)...)
	if len(issues) > 0 {
		return nil, validationErr(w.coll.name, id, issues...)
	}
	return w.next.save(ctx, tenant, rec)
}

func (w *validatingWriter) remove(ctx context.Context, tenant, id string) (*Change, error) {
	if id == "" {
		return nil, validationErr(w.coll.name, id, Issue{Path: "id", Message: "is required", Code: "required"})
	}
	return w.next.remove(ctx, tenant, id)
}

func (w *validatingWriter) validate(rec any) (issues []Issue) {
	if w.coll.validator == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			issues = []Issue{{Message: fmt.Sprintf("validator panicked: %v", p), Code: "panic"}}
		}
	}()
	return w.coll.validator.Validate(w.coll.name, rec)
}
