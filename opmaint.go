package kvrepo

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/dagizoltan/kvrepo/kv"
)

type ReindexStats struct {
	Records   int // records visited
	Rewritten int // records whose stored value or entries were rewritten
	Orphans   int // index entries and guards removed
	Failed    int // records that could not be reindexed
}

// Reindex rebuilds the index entries of every record of a tenant's
// collection and removes entries and guards that no record accounts for.
// Records are migrated to the latest schema version on the way.
func (db *DB) Reindex(ctx context.Context, tenant string, coll *Collection) (ReindexStats, error) {
	var st ReindexStats
	if err := checkTenant(coll, tenant); err != nil {
		return st, err
	}
	w := &indexingWriter{db: db, coll: coll}
	prefix := collectionPrefix(tenant, coll.name)

	err := db.scanAll(ctx, prefix, keySep, func(e kv.Entry) error {
		id, ok := idFromKey(prefix, e.Key)
		if !ok {
			return nil
		}
		st.Records++
		rewritten, err := w.reindex(ctx, tenant, id)
		var recErr *Error
		switch {
		case err == nil:
			if rewritten {
				st.Rewritten++
			}
		case !errors.As(err, &recErr) || recErr.Kind == KindPersistence:
			return err
		default:
			st.Failed++
			db.logger.LogAttrs(ctx, slog.LevelWarn, "kvrepo: reindex failed", slog.String("collection", coll.name), slog.String("tenant", tenant), slog.String("id", id), slog.Any("err", err))
		}
		return nil
	})
	if err != nil {
		return st, err
	}

	live := make(map[string][]indexRef)
	refsOf := func(id string) ([]indexRef, error) {
		if refs, ok := live[id]; ok {
			return refs, nil
		}
		e, err := db.store.Get(ctx, primaryKey(tenant, coll.name, id))
		if err != nil {
			return nil, err
		}
		var refs []indexRef
		if e.Found {
			if rec, _, err := coll.decodeValue(e.Value); err == nil {
				refs, _ = safelyIndex(coll, rec)
			}
		}
		live[id] = refs
		return refs, nil
	}

	err = db.scanAll(ctx, indexesPrefix(tenant, coll.name), "", func(e kv.Entry) error {
		pk, ok := parseIndexKey(e.Key[len(prefix):])
		if !ok {
			return nil
		}
		owner := pk.ID
		if pk.Guard {
			owner = string(e.Value)
			if idx := coll.IndexNamed(pk.Index); idx == nil || !idx.unique {
				owner = ""
			}
		}
		if owner != "" {
			refs, err := refsOf(owner)
			if err != nil {
				return err
			}
			if slices.Contains(refs, indexRef{pk.Index, pk.Value}) {
				return nil
			}
		}
		err := db.store.Delete(ctx, e.Key, kv.IfVersion(e.Version))
		if err != nil && !errors.Is(err, kv.ErrConflict) {
			return err
		}
		if err == nil {
			st.Orphans++
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	db.logger.LogAttrs(ctx, slog.LevelInfo, "kvrepo: reindexed", slog.String("collection", coll.name), slog.String("tenant", tenant), slog.Int("records", st.Records), slog.Int("rewritten", st.Rewritten), slog.Int("orphans", st.Orphans), slog.Int("failed", st.Failed))
	return st, nil
}

// reindex rewrites one record with freshly computed index entries, writing
// every entry even if it is already recorded.
func (w *indexingWriter) reindex(ctx context.Context, tenant, id string) (bool, error) {
	db, coll := w.db, w.coll
	pk := primaryKey(tenant, coll.name, id)
	var rewritten bool
	err := db.withRetry(ctx, coll, id, func(attempt int) error {
		rewritten = false
		cur, err := db.store.Get(ctx, pk)
		if err != nil {
			return err
		}
		if !cur.Found {
			return nil
		}
		rec, vle, err := coll.decodeValue(cur.Value)
		if err != nil {
			return validationErr(coll.name, id, Issue{Message: "undecodable stored record: " + err.Error(), Code: "decoding"})
		}
		refs, err := safelyIndex(coll, rec)
		if err != nil {
			return validationErr(coll.name, id, Issue{Message: err.Error(), Code: "indexing"})
		}
		data, err := encodeRecord(rec)
		if err != nil {
			return validationErr(coll.name, id, Issue{Message: err.Error(), Code: "encoding"})
		}
		_, removed := diffIndexRefs(normalizeIndexRefs(slices.Clone(vle.Index)), refs)
		next := value{SchemaVer: coll.latestSchemaVer, Data: data, Index: refs}
		ops := []kv.Op{kv.Put(pk, next.encode(), kv.IfVersion(cur.Version))}
		ops, err = w.indexOps(ctx, ops, tenant, id, refs, removed)
		if err != nil {
			return err
		}
		if _, err := db.store.Atomic(ctx, ops); err != nil {
			return err
		}
		rewritten = len(removed) > 0 || vle.SchemaVer != next.SchemaVer || !slices.Equal(vle.Index, refs)
		return nil
	})
	return rewritten, err
}

func (r *Repository[T]) Reindex(ctx context.Context, tenant string) Result[ReindexStats] {
	var st ReindexStats
	err := r.db.observe(ctx, r.coll, "reindex", tenant, func(ctx context.Context) error {
		var err error
		st, err = r.db.Reindex(ctx, tenant, r.coll)
		return err
	})
	return resultOf(st, err)
}
