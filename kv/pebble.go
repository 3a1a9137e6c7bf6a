package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Pebble keys are namespaced: user keys live under 'd', the commit sequence
// under 'm'.
var (
	pebbleDataPrefix = []byte{'d'}
	pebbleSeqKey     = []byte("mseq")
)

type PebbleOptions struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS   vfs.FS
	Sync bool
}

// Pebble is a Backend over cockroachdb/pebble. Pebble has no conditional
// writes, so a process-wide commit mutex serializes the check-and-set step;
// reads go straight to the engine.
type Pebble struct {
	db  *pebble.DB
	wo  *pebble.WriteOptions
	mu  sync.Mutex
	seq Version
}

func OpenPebble(path string, opt PebbleOptions) (*Pebble, error) {
	popt := &pebble.Options{FS: opt.FS}
	db, err := pebble.Open(path, popt)
	if err != nil {
		return nil, fmt.Errorf("kv: pebble: %w", err)
	}
	p := &Pebble{db: db, wo: pebble.NoSync}
	if opt.Sync {
		p.wo = pebble.Sync
	}

	raw, closer, err := db.Get(pebbleSeqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("kv: pebble: reading sequence: %w", err)
	default:
		seq, n := binary.Uvarint(raw)
		closer.Close()
		if n <= 0 {
			db.Close()
			return nil, fmt.Errorf("kv: pebble: corrupted sequence")
		}
		p.seq = Version(seq)
	}
	return p, nil
}

func (p *Pebble) DB() *pebble.DB {
	return p.db
}

func pebbleKey(key string) []byte {
	return append(append([]byte(nil), pebbleDataPrefix...), key...)
}

func (p *Pebble) rawGet(key string) ([]byte, error) {
	raw, closer, err := p.db.Get(pebbleKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), raw...), nil
}

func (p *Pebble) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	raw, err := p.rawGet(key)
	if err != nil {
		return Entry{}, fmt.Errorf("kv: pebble get %s: %w", key, err)
	}
	if raw == nil {
		return Entry{Key: key}, nil
	}
	return decodeEntry([]byte(key), raw)
}

func (p *Pebble) List(ctx context.Context, prefix string, opt ListOptions) ([]Entry, error) {
	lower := pebbleKey(prefix)
	it := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(lower),
	})
	defer it.Close()
	return collect(ctx, &pebbleIter{it: it}, prefix, opt, decodeEntry)
}

func (p *Pebble) Atomic(ctx context.Context, ops []Op) (Commit, error) {
	if len(ops) == 0 {
		return Commit{}, nil
	}
	if err := validateOps(ops); err != nil {
		return Commit{}, err
	}
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := checkConds(ops, func(key string) (Version, error) {
		raw, err := p.rawGet(key)
		if err != nil {
			return NoVersion, err
		}
		return versionOf(raw)
	})
	if err != nil {
		return Commit{}, err
	}

	ver := p.seq + 1
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			err = batch.Set(pebbleKey(op.Key), encodeVersioned(ver, op.Value), nil)
		case OpDelete:
			err = batch.Delete(pebbleKey(op.Key), nil)
		}
		if err != nil {
			return Commit{}, fmt.Errorf("kv: pebble %v: %w", op, err)
		}
	}
	if err := batch.Set(pebbleSeqKey, binary.AppendUvarint(nil, uint64(ver)), nil); err != nil {
		return Commit{}, err
	}
	if err := batch.Commit(p.wo); err != nil {
		return Commit{}, fmt.Errorf("kv: pebble commit: %w", err)
	}
	p.seq = ver
	return Commit{Seq: ver}, nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

type pebbleIter struct {
	it *pebble.Iterator
}

func (pi *pebbleIter) at(ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	k := pi.it.Key()
	return append([]byte(nil), k[len(pebbleDataPrefix):]...), pi.it.Value()
}

func (pi *pebbleIter) seek(key []byte) ([]byte, []byte) {
	return pi.at(pi.it.SeekGE(pebbleKey(string(key))))
}

func (pi *pebbleIter) next() ([]byte, []byte) {
	return pi.at(pi.it.Next())
}

func (pi *pebbleIter) err() error {
	return pi.it.Error()
}
