package kvrepo

import (
	"context"

	"github.com/dagizoltan/kvrepo/kv"
)

type CollectionStats struct {
	Records      int
	IndexEntries int
	Guards       int

	DataSize  int
	IndexSize int
}

func (cs *CollectionStats) TotalSize() int {
	return cs.DataSize + cs.IndexSize
}

const scanBatch = 500

// scanAll visits every entry under prefix in key order, a batch at a time.
func (db *DB) scanAll(ctx context.Context, prefix, delimiter string, f func(e kv.Entry) error) error {
	var after string
	for {
		entries, err := db.store.List(ctx, prefix, kv.ListOptions{Limit: scanBatch, StartAfter: after, Delimiter: delimiter})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := f(e); err != nil {
				return err
			}
		}
		if len(entries) < scanBatch {
			return nil
		}
		after = entries[len(entries)-1].Key
	}
}

// CollectionStats counts the keys a tenant's collection occupies.
func (db *DB) CollectionStats(ctx context.Context, tenant string, coll *Collection) (CollectionStats, error) {
	var cs CollectionStats
	if err := checkTenant(coll, tenant); err != nil {
		return cs, err
	}
	prefix := collectionPrefix(tenant, coll.name)
	err := db.scanAll(ctx, prefix, "", func(e kv.Entry) error {
		size := len(e.Key) + len(e.Value)
		if _, ok := idFromKey(prefix, e.Key); ok {
			cs.Records++
			cs.DataSize += size
			return nil
		}
		pk, ok := parseIndexKey(e.Key[len(prefix):])
		if !ok {
			return nil
		}
		if pk.Guard {
			cs.Guards++
		} else {
			cs.IndexEntries++
		}
		cs.IndexSize += size
		return nil
	})
	return cs, err
}

func (r *Repository[T]) Stats(ctx context.Context, tenant string) Result[CollectionStats] {
	var cs CollectionStats
	err := r.db.observe(ctx, r.coll, "stats", tenant, func(ctx context.Context) error {
		var err error
		cs, err = r.db.CollectionStats(ctx, tenant, r.coll)
		return err
	})
	return resultOf(cs, err)
}
