package kvrepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/dagizoltan/kvrepo/kv"
)

type DumpFlags uint64

const (
	DumpCollectionHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndexes
	DumpIndexEntries

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the tenant's data in every collection of the schema as text,
// for debugging and golden tests.
func (db *DB) Dump(ctx context.Context, tenant string, f DumpFlags) (string, error) {
	var buf strings.Builder
	for _, coll := range db.schema.Collections() {
		if err := db.dumpCollection(ctx, &buf, tenant, f, coll); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpCollection(ctx context.Context, w *strings.Builder, tenant string, f DumpFlags, coll *Collection) error {
	if err := checkTenant(coll, tenant); err != nil {
		return err
	}
	prefix := coll.name
	s, err := db.CollectionStats(ctx, tenant, coll)
	if err != nil {
		return err
	}

	if f.Contains(DumpCollectionHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d records)\n", prefix, s.Records)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, guards = %d, data_size = %d, index_size = %d\n", prefix, s.IndexEntries, s.Guards, s.DataSize, s.IndexSize)
	}

	kp := collectionPrefix(tenant, coll.name)
	if f.Contains(DumpRecords) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var pos int
		err := db.scanAll(ctx, kp, keySep, func(e kv.Entry) error {
			id, ok := idFromKey(kp, e.Key)
			if !ok {
				return nil
			}
			pos++
			dumpRecord(w, prefix, coll, pos, id, e)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if f.Contains(DumpIndexes) {
		for _, idx := range coll.indexes {
			if err := db.dumpIndex(ctx, w, tenant, f, idx, coll); err != nil {
				return err
			}
		}
	}
	return nil
}

func dumpRecord(w *strings.Builder, prefix string, coll *Collection, pos int, id string, e kv.Entry) {
	var vle value
	if err := vle.decode(e.Value); err != nil {
		fmt.Fprintf(w, "%s.%d = %s (v%d) ** ERROR: %v\n", prefix, pos, id, e.Version, err)
		return
	}
	if coll.suppressContent {
		fmt.Fprintf(w, "%s.%d = %s (v%d s%d) <suppressed>\n", prefix, pos, id, e.Version, vle.SchemaVer)
		return
	}
	raw, err := recordJSON(vle.Data)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %s (v%d s%d) ** ERROR: %v\n", prefix, pos, id, e.Version, vle.SchemaVer, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %s (v%d s%d) %s\n", prefix, pos, id, e.Version, vle.SchemaVer, raw)
}

func (db *DB) dumpIndex(ctx context.Context, w *strings.Builder, tenant string, f DumpFlags, idx *Index, coll *Collection) error {
	fmt.Fprintln(w, dumpSep2)
	prefix := coll.name + ".i." + idx.name
	var kind string
	if idx.unique {
		kind = " UNIQUE"
	}
	fmt.Fprintf(w, "%s%s\n", prefix, kind)

	if !f.Contains(DumpIndexEntries) {
		return nil
	}
	kp := collectionPrefix(tenant, coll.name)
	var pos int
	return db.scanAll(ctx, indexPrefixKey(tenant, coll.name, idx.name), "", func(e kv.Entry) error {
		pk, ok := parseIndexKey(e.Key[len(kp):])
		if !ok {
			return nil
		}
		pos++
		if pk.Guard {
			fmt.Fprintf(w, "%s.%d: %s => %s (guard)\n", prefix, pos, pk.Value, e.Value)
		} else {
			fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, pos, pk.Value, pk.ID)
		}
		return nil
	})
}

func (r *Repository[T]) Dump(ctx context.Context, tenant string, f DumpFlags) Result[string] {
	var out strings.Builder
	err := r.db.observe(ctx, r.coll, "dump", tenant, func(ctx context.Context) error {
		return r.db.dumpCollection(ctx, &out, tenant, f, r.coll)
	})
	return resultOf(out.String(), err)
}
