package kvrepo

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/dagizoltan/kvrepo/kv"
)

// indexingWriter persists records together with their index entries. Every
// write reads the current record, diffs its index entries against the new
// ones and commits the record, the entry changes and any unique guards in a
// single conditional batch, retrying when the record changed underneath.
type indexingWriter struct {
	db   *DB
	coll *Collection
}

func (w *indexingWriter) save(ctx context.Context, tenant string, rec any) (*Change, error) {
	db, coll := w.db, w.coll
	id := coll.recordID(rec)
	start := time.Now()

	data, err := encodeRecord(rec)
	if err != nil {
		return nil, validationErr(coll.name, id, Issue{Message: err.Error(), Code: "encoding"})
	}
	refs, err := safelyIndex(coll, rec)
	if err != nil {
		return nil, persistenceErrf(coll.name, id, err, "indexing failed")
	}
	pk := primaryKey(tenant, coll.name, id)

	var ch *Change
	err = db.withRetry(ctx, coll, id, func(attempt int) error {
		ch = nil
		cur, err := db.store.Get(ctx, pk)
		if err != nil {
			return err
		}

		cond := kv.IfAbsent()
		var oldRefs []indexRef
		var oldRec any
		if cur.Found {
			cond = kv.IfVersion(cur.Version)
			old, vle, err := w.storedRefs(cur.Value, id)
			if err != nil {
				return err
			}
			oldRec = old.rec
			oldRefs = old.refs
			if vle.SchemaVer == coll.latestSchemaVer && bytes.Equal(vle.Data, data) && slices.Equal(vle.Index, refs) && slices.Equal(oldRefs, refs) {
				if db.verbose {
					db.logger.LogAttrs(ctx, slog.LevelDebug, "kvrepo: PUT.NOOP", slog.String("collection", coll.name), slog.String("tenant", tenant), slog.String("id", id), slog.Uint64("version", uint64(cur.Version)))
				}
				return nil
			}
		}

		vle := value{SchemaVer: coll.latestSchemaVer, Data: data, Index: refs}
		ops := []kv.Op{kv.Put(pk, vle.encode(), cond)}
		added, removed := diffIndexRefs(oldRefs, refs)
		ops, err = w.indexOps(ctx, ops, tenant, id, added, removed)
		if err != nil {
			return err
		}

		commit, err := db.store.Atomic(ctx, ops)
		if err != nil {
			return err
		}
		ch = &Change{
			Tenant:     tenant,
			Collection: coll.name,
			ID:         id,
			Op:         OpPut,
			Version:    commit.Seq,
			SchemaVer:  coll.latestSchemaVer,
			Data:       data,
			Time:       time.Now().UTC(),
			rec:        rec,
			oldRec:     oldRec,
		}
		if db.verbose {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "kvrepo: PUT", slog.String("collection", coll.name), slog.String("tenant", tenant), slog.String("id", id), slog.Uint64("version", uint64(commit.Seq)), slog.Int("index_added", len(added)), slog.Int("index_removed", len(removed)), slog.Int("attempt", attempt), db.logRecord(coll, rec), since(start))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ch != nil {
		w.committed(ch)
	}
	return ch, nil
}

func (w *indexingWriter) remove(ctx context.Context, tenant, id string) (*Change, error) {
	db, coll := w.db, w.coll
	pk := primaryKey(tenant, coll.name, id)

	var ch *Change
	err := db.withRetry(ctx, coll, id, func(attempt int) error {
		cur, err := db.store.Get(ctx, pk)
		if err != nil {
			return err
		}
		if !cur.Found {
			if db.verbose {
				db.logger.LogAttrs(ctx, slog.LevelDebug, "kvrepo: DELETE.NOOP", slog.String("collection", coll.name), slog.String("tenant", tenant), slog.String("id", id))
			}
			return notFoundErr(coll.name, id)
		}
		old, _, err := w.storedRefs(cur.Value, id)
		if err != nil {
			return err
		}

		ops := []kv.Op{kv.Delete(pk, kv.IfVersion(cur.Version))}
		ops, err = w.indexOps(ctx, ops, tenant, id, nil, old.refs)
		if err != nil {
			return err
		}
		commit, err := db.store.Atomic(ctx, ops)
		if err != nil {
			return err
		}
		ch = &Change{
			Tenant:     tenant,
			Collection: coll.name,
			ID:         id,
			Op:         OpDelete,
			Version:    commit.Seq,
			Time:       time.Now().UTC(),
			oldRec:     old.rec,
		}
		if db.verbose {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "kvrepo: DELETE", slog.String("collection", coll.name), slog.String("tenant", tenant), slog.String("id", id), slog.Uint64("version", uint64(commit.Seq)), slog.Int("index_removed", len(old.refs)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.committed(ch)
	return ch, nil
}

type storedRecord struct {
	rec  any
	refs []indexRef
}

// storedRefs decodes a stored value and returns the index entries to treat
// as present: the ones recorded with the value plus whatever the current
// index definitions derive from it.
func (w *indexingWriter) storedRefs(raw []byte, id string) (storedRecord, *value, error) {
	rec, vle, err := w.coll.decodeValue(raw)
	if vle == nil {
		return storedRecord{}, nil, persistenceErrf(w.coll.name, id, err, "corrupted stored value")
	}
	refs := slices.Clone(vle.Index)
	if err == nil {
		if cur, err := safelyIndex(w.coll, rec); err == nil {
			refs = normalizeIndexRefs(append(refs, cur...))
		}
	} else {
		rec = nil
		w.db.logger.Warn("kvrepo: cannot decode stored record, using recorded index entries", "collection", w.coll.name, "id", id, "err", err)
	}
	return storedRecord{rec: rec, refs: refs}, vle, nil
}

// indexOps appends the index entry and unique guard changes to ops.
func (w *indexingWriter) indexOps(ctx context.Context, ops []kv.Op, tenant, id string, added, removed []indexRef) ([]kv.Op, error) {
	coll := w.coll
	for _, r := range removed {
		ops = append(ops, kv.Delete(indexEntryKey(tenant, coll.name, r.Index, r.Value, id), kv.Cond{}))
		if !w.isUnique(r.Index) {
			continue
		}
		gk := guardKey(tenant, coll.name, r.Index, r.Value)
		g, err := w.db.store.Get(ctx, gk)
		if err != nil {
			return nil, err
		}
		if g.Found && string(g.Value) == id {
			ops = append(ops, kv.Delete(gk, kv.IfVersion(g.Version)))
		}
	}
	for _, r := range added {
		ops = append(ops, kv.Put(indexEntryKey(tenant, coll.name, r.Index, r.Value, id), []byte(id), kv.Cond{}))
		if !w.isUnique(r.Index) {
			continue
		}
		gk := guardKey(tenant, coll.name, r.Index, r.Value)
		g, err := w.db.store.Get(ctx, gk)
		if err != nil {
			return nil, err
		}
		switch {
		case !g.Found:
			ops = append(ops, kv.Put(gk, []byte(id), kv.IfAbsent()))
		case string(g.Value) == id:
			ops = append(ops, kv.Check(gk, g.Version))
		default:
			e := conflictErrf(coll.name, id, nil, "unique index %s: value %q is already used by %s", r.Index, r.Value, string(g.Value))
			e.Index = r.Index
			return nil, e
		}
	}
	return ops, nil
}

func (w *indexingWriter) isUnique(index string) bool {
	idx := w.coll.indexesByName[index]
	return idx != nil && idx.unique
}

func (w *indexingWriter) committed(ch *Change) {
	w.db.WriteCount.Add(1)
	w.db.metrics.change(ch.Collection, ch.Op)
	w.db.notify(ch)
}

func safelyIndex(coll *Collection, rec any) ([]indexRef, error) {
	return safelyCall(func() []indexRef {
		return coll.indexRefs(rec)
	})
}
