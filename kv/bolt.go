package kv

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var boltDataBucket = []byte("kv")

type BoltOptions struct {
	IsTesting bool
	MmapSize  int
	Timeout   time.Duration
}

// Bolt is a Backend over a single flat bbolt bucket. The commit sequence is
// the bucket's own NextSequence counter.
type Bolt struct {
	bdb *bbolt.DB
}

func OpenBolt(path string, opt BoltOptions) (*Bolt, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 256
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("kv: bolt: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(boltDataBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("kv: bolt: %w", err)
	}
	return &Bolt{bdb: bdb}, nil
}

func (b *Bolt) Bolt() *bbolt.DB {
	return b.bdb
}

func (b *Bolt) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := b.bdb.View(func(btx *bbolt.Tx) error {
		raw := btx.Bucket(boltDataBucket).Get([]byte(key))
		if raw == nil {
			e = Entry{Key: key}
			return nil
		}
		var err error
		e, err = decodeEntry([]byte(key), raw)
		return err
	})
	return e, err
}

func (b *Bolt) List(ctx context.Context, prefix string, opt ListOptions) ([]Entry, error) {
	var out []Entry
	err := b.bdb.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(boltDataBucket).Cursor()
		var err error
		out, err = collect(ctx, boltIter{c}, prefix, opt, decodeEntry)
		return err
	})
	return out, err
}

func (b *Bolt) Atomic(ctx context.Context, ops []Op) (Commit, error) {
	if len(ops) == 0 {
		return Commit{}, nil
	}
	if err := validateOps(ops); err != nil {
		return Commit{}, err
	}
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}

	var commit Commit
	// Batch may call the function more than once; it re-reads everything.
	err := b.bdb.Batch(func(btx *bbolt.Tx) error {
		buck := btx.Bucket(boltDataBucket)
		err := checkConds(ops, func(key string) (Version, error) {
			return versionOf(buck.Get([]byte(key)))
		})
		if err != nil {
			return err
		}
		seq, err := buck.NextSequence()
		if err != nil {
			return err
		}
		ver := Version(seq)
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				err = buck.Put([]byte(op.Key), encodeVersioned(ver, op.Value))
			case OpDelete:
				err = buck.Delete([]byte(op.Key))
			}
			if err != nil {
				return fmt.Errorf("kv: bolt %v: %w", op, err)
			}
		}
		commit = Commit{Seq: ver}
		return nil
	})
	if err != nil {
		return Commit{}, err
	}
	return commit, nil
}

func (b *Bolt) Close() error {
	return b.bdb.Close()
}

type boltIter struct {
	c *bbolt.Cursor
}

func (it boltIter) seek(key []byte) ([]byte, []byte) { return it.c.Seek(key) }
func (it boltIter) next() ([]byte, []byte)           { return it.c.Next() }
func (it boltIter) err() error                       { return nil }
