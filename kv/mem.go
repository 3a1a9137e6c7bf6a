package kv

import (
	"context"
	"slices"
	"sort"
	"sync"
)

type memValue struct {
	ver  Version
	data []byte
}

// Memory is a transient ordered Backend intended for tests and tooling.
// Readers take a shared lock; Atomic holds the exclusive lock for the whole
// check-and-apply step.
type Memory struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]memValue
	seq    Version
	closed bool
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]memValue)}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, ErrClosed
	}
	v, ok := m.values[key]
	if !ok {
		return Entry{Key: key}, nil
	}
	return Entry{Key: key, Value: slices.Clone(v.data), Version: v.ver, Found: true}, nil
}

func (m *Memory) List(ctx context.Context, prefix string, opt ListOptions) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return collect(ctx, &memIter{m: m}, prefix, opt, func(k, _ []byte) (Entry, error) {
		v := m.values[string(k)]
		return Entry{Key: string(k), Value: slices.Clone(v.data), Version: v.ver, Found: true}, nil
	})
}

func (m *Memory) Atomic(ctx context.Context, ops []Op) (Commit, error) {
	if len(ops) == 0 {
		return Commit{}, nil
	}
	if err := validateOps(ops); err != nil {
		return Commit{}, err
	}
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Commit{}, ErrClosed
	}

	err := checkConds(ops, func(key string) (Version, error) {
		return m.values[key].ver, nil
	})
	if err != nil {
		return Commit{}, err
	}

	m.seq++
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			if _, ok := m.values[op.Key]; !ok {
				i := sort.SearchStrings(m.keys, op.Key)
				m.keys = slices.Insert(m.keys, i, op.Key)
			}
			m.values[op.Key] = memValue{ver: m.seq, data: slices.Clone(op.Value)}
		case OpDelete:
			if _, ok := m.values[op.Key]; ok {
				i := sort.SearchStrings(m.keys, op.Key)
				m.keys = slices.Delete(m.keys, i, i+1)
				delete(m.values, op.Key)
			}
		}
	}
	return Commit{Seq: m.seq}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.keys = nil
	m.values = nil
	return nil
}

// memIter must only be used with m.mu held.
type memIter struct {
	m   *Memory
	pos int
}

func (it *memIter) at() ([]byte, []byte) {
	if it.pos >= len(it.m.keys) {
		return nil, nil
	}
	return []byte(it.m.keys[it.pos]), nil
}

func (it *memIter) seek(key []byte) ([]byte, []byte) {
	it.pos = sort.SearchStrings(it.m.keys, string(key))
	return it.at()
}

func (it *memIter) next() ([]byte, []byte) {
	it.pos++
	return it.at()
}

func (it *memIter) err() error { return nil }
