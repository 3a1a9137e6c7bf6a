// Package kv is the only layer of kvrepo that touches physical storage.
//
// A Backend is an ordered key-value engine with optimistic concurrency: every
// stored key carries a Version, and Atomic applies a batch of conditional
// writes all-or-nothing. Versions are drawn from an engine-wide commit
// sequence, so a key that is deleted and recreated never gets an old version
// back.
//
// Store wraps a Backend with the single-key conveniences (Put, Delete) and
// the bookkeeping every caller wants (closed state, debug logging).
package kv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by Atomic (and the conditional Put/Delete) when
	// an expected version does not match. It signals a retry, not a failure.
	ErrConflict = errors.New("kv: version conflict")

	ErrClosed = errors.New("kv: store closed")
)

// Version is a per-key version token. NoVersion means "absent".
type Version uint64

const NoVersion Version = 0

type Entry struct {
	Key     string
	Value   []byte
	Version Version
	Found   bool
}

// Cond is an optional expectation about the current version of a key.
// The zero Cond is unconditional.
type Cond struct {
	checked bool
	version Version
}

func IfVersion(v Version) Cond { return Cond{checked: true, version: v} }
func IfAbsent() Cond           { return Cond{checked: true, version: NoVersion} }

func (c Cond) Checked() bool    { return c.checked }
func (c Cond) Version() Version { return c.version }

func (c Cond) holds(cur Version) bool {
	return !c.checked || c.version == cur
}

func (c Cond) String() string {
	if !c.checked {
		return "any"
	}
	if c.version == NoVersion {
		return "absent"
	}
	return fmt.Sprintf("v%d", c.version)
}

type OpKind int

const (
	OpPut OpKind = iota + 1
	OpDelete
	OpCheck
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCheck:
		return "check"
	default:
		return fmt.Sprintf("invalid op %d", int(k))
	}
}

type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
	Cond  Cond
}

func Put(key string, value []byte, c Cond) Op {
	return Op{Kind: OpPut, Key: key, Value: value, Cond: c}
}

func Delete(key string, c Cond) Op {
	return Op{Kind: OpDelete, Key: key, Cond: c}
}

func Check(key string, v Version) Op {
	return Op{Kind: OpCheck, Key: key, Cond: IfVersion(v)}
}

func (op Op) String() string {
	return fmt.Sprintf("%v %s if %v", op.Kind, op.Key, op.Cond)
}

// Commit describes an applied Atomic batch. Every key written by the batch
// now has version Seq.
type Commit struct {
	Seq Version
}

type ListOptions struct {
	// Limit caps the number of returned entries; 0 means no limit.
	Limit int

	// StartAfter makes the scan begin at the first key strictly greater than it.
	StartAfter string

	// Delimiter, when set, hides every key whose remainder after the prefix
	// contains it. The whole group is skipped with a single seek.
	Delimiter string
}

// Backend is an ordered key-value engine.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)

	// List returns entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix string, opt ListOptions) ([]Entry, error)

	// Atomic checks every op's condition against the state before the batch
	// and then applies all puts and deletes, or nothing. Returns ErrConflict
	// on a mismatch.
	Atomic(ctx context.Context, ops []Op) (Commit, error)

	Close() error
}

// checkConds verifies all conditions against the pre-batch state.
func checkConds(ops []Op, current func(key string) (Version, error)) error {
	for _, op := range ops {
		if op.Kind != OpCheck && !op.Cond.checked {
			continue
		}
		cur, err := current(op.Key)
		if err != nil {
			return err
		}
		if !op.Cond.holds(cur) {
			return fmt.Errorf("%w: %s is at v%d", ErrConflict, op, cur)
		}
	}
	return nil
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		if op.Key == "" {
			return fmt.Errorf("kv: %v with empty key", op.Kind)
		}
		switch op.Kind {
		case OpPut:
			if op.Value == nil {
				return fmt.Errorf("kv: put %s with nil value", op.Key)
			}
		case OpDelete, OpCheck:
		default:
			return fmt.Errorf("kv: %v", op.Kind)
		}
	}
	return nil
}
