package kvrepo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dagizoltan/kvrepo/kv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000

	// fetchConcurrency bounds parallel point reads in FindByIds and index scans.
	fetchConcurrency = 16
)

// Page selects a window of a scan. A zero Limit means DefaultLimit; larger
// limits are capped at MaxLimit.
type Page struct {
	Limit  int
	Cursor Cursor
}

func (p Page) limit() (int, error) {
	switch {
	case p.Limit < 0:
		return 0, &Error{Kind: KindValidation, Message: "invalid page", Issues: []Issue{{Path: "limit", Message: "must not be negative", Code: "range"}}}
	case p.Limit == 0:
		return DefaultLimit, nil
	case p.Limit > MaxLimit:
		return MaxLimit, nil
	default:
		return p.Limit, nil
	}
}

// PageResult is one page of records. NextCursor is set when the underlying
// scan filled the page, so more records may follow; it can be set on a page
// whose items were all filtered out, and on a last page that happens to be
// exactly full, in which case the next request returns an empty page
// without a cursor.
type PageResult[T any] struct {
	Items      []*T
	NextCursor Cursor
}

// HasMore reports whether NextCursor is set. It means "there may be more":
// a true result can be followed by an empty final page.
func (pr PageResult[T]) HasMore() bool {
	return pr.NextCursor != ""
}

// Query combines a filter, a free-text search and relation population over
// a collection. The scan is driven by the first filter key (in sorted order)
// naming an index with an exact value, else the first naming an index with a
// Range, else the whole collection; all conditions are then applied to each
// scanned record.
type Query struct {
	Filter       Filter
	Search       string
	SearchFields []string
	Populate     []string
	Limit        int
	Cursor       Cursor
}

type page struct {
	items []any
	next  Cursor
}

type queryEngine struct {
	db   *DB
	coll *Collection
}

func (q *queryEngine) decode(e kv.Entry, id string) (any, error) {
	rec, _, err := q.coll.decodeValue(e.Value)
	if err != nil {
		return nil, persistenceErrf(q.coll.name, id, err, "corrupted record")
	}
	return rec, nil
}

func (q *queryEngine) get(ctx context.Context, tenant, id string) (any, error) {
	q.db.ReadCount.Add(1)
	e, err := q.db.store.Get(ctx, primaryKey(tenant, q.coll.name, id))
	if err != nil {
		return nil, err
	}
	if !e.Found {
		return nil, notFoundErr(q.coll.name, id)
	}
	return q.decode(e, id)
}

// fetch reads the given ids concurrently. Missing records are absent from
// the map.
func (q *queryEngine) fetch(ctx context.Context, tenant string, ids []string) (map[string]any, error) {
	out := make([]any, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			rec, err := q.get(gctx, tenant, id)
			if err != nil {
				if KindOf(err) == KindNotFound {
					return nil
				}
				return err
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m := make(map[string]any, len(ids))
	for i, rec := range out {
		if rec != nil {
			m[ids[i]] = rec
		}
	}
	return m, nil
}

// getMany returns the records for ids in input order, skipping duplicates
// and ids that do not exist.
func (q *queryEngine) getMany(ctx context.Context, tenant string, ids []string) ([]any, error) {
	ids = dedupeStrings(ids)
	m, err := q.fetch(ctx, tenant, ids)
	if err != nil {
		return nil, err
	}
	recs := make([]any, 0, len(m))
	for _, id := range ids {
		if rec, ok := m[id]; ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (q *queryEngine) list(ctx context.Context, tenant string, p Page) (page, error) {
	limit, err := p.limit()
	if err != nil {
		return page{}, err
	}
	scope := cursorScope(tenant, q.coll.name, "list")
	return q.scanPrimary(ctx, tenant, limit, p.Cursor, scope, nil)
}

func (q *queryEngine) queryByIndex(ctx context.Context, tenant, index string, v any, p Page) (page, error) {
	limit, err := p.limit()
	if err != nil {
		return page{}, err
	}
	idx := q.coll.IndexNamed(index)
	if idx == nil {
		return page{}, q.unknownIndex(index)
	}
	if _, ok := asRange(v); ok {
		return page{}, &Error{Kind: KindValidation, Collection: q.coll.name, Index: index, Message: "range values are only supported by Query"}
	}
	value := FormatIndexValue(v)
	scope := cursorScope(tenant, q.coll.name, "index", index, value)
	return q.scanIndex(ctx, tenant, idx, value, nil, limit, p.Cursor, scope, nil)
}

func (q *queryEngine) query(ctx context.Context, tenant string, qry Query, resolvers Resolvers) (page, error) {
	limit, err := Page{Limit: qry.Limit}.limit()
	if err != nil {
		return page{}, err
	}
	search := strings.TrimSpace(qry.Search)
	if search != "" && len(qry.SearchFields) == 0 {
		return page{}, &Error{Kind: KindValidation, Collection: q.coll.name, Message: "invalid query", Issues: []Issue{{Path: "searchFields", Message: "required when search is set", Code: "required"}}}
	}
	for _, k := range qry.Filter.keys() {
		if r, ok := asRange(qry.Filter[k]); ok && r.isEmpty() {
			return page{}, &Error{Kind: KindValidation, Collection: q.coll.name, Message: "invalid query", Issues: []Issue{{Path: "filter." + k, Message: "range has no bounds", Code: "range"}}}
		}
	}

	scope := cursorScope(tenant, q.coll.name, "query", qry.Filter.canonical(), search, strings.Join(qry.SearchFields, ","))
	var sr *searcher
	if search != "" {
		sr = newSearcher(search, qry.SearchFields)
	}
	accept := func(rec any) (bool, error) {
		ok, err := q.matchFilter(rec, qry.Filter)
		if err != nil || !ok {
			return false, err
		}
		return sr == nil || sr.matches(rec), nil
	}

	var res page
	switch idx, cond := q.planDriver(qry.Filter); {
	case idx == nil:
		res, err = q.scanPrimary(ctx, tenant, limit, qry.Cursor, scope, accept)
	default:
		if r, isRange := asRange(cond); isRange {
			res, err = q.scanIndex(ctx, tenant, idx, "", &r, limit, qry.Cursor, scope, accept)
		} else {
			res, err = q.scanIndex(ctx, tenant, idx, FormatIndexValue(cond), nil, limit, qry.Cursor, scope, accept)
		}
	}
	if err != nil {
		return page{}, err
	}
	if err := q.populate(ctx, tenant, res.items, qry.Populate, resolvers); err != nil {
		return page{}, err
	}
	return res, nil
}

// planDriver picks the index that drives a query scan.
func (q *queryEngine) planDriver(f Filter) (*Index, any) {
	var rangeIdx *Index
	var rangeCond any
	for _, k := range f.keys() {
		idx := q.coll.IndexNamed(k)
		if idx == nil {
			continue
		}
		if _, ok := asRange(f[k]); ok {
			if rangeIdx == nil {
				rangeIdx, rangeCond = idx, f[k]
			}
			continue
		}
		if FormatIndexValue(f[k]) == "" {
			continue
		}
		return idx, f[k]
	}
	return rangeIdx, rangeCond
}

func (q *queryEngine) matchFilter(rec any, f Filter) (bool, error) {
	if len(f) == 0 {
		return true, nil
	}
	var refs []indexRef
	var refsErr error
	var refsDone bool
	for _, k := range f.keys() {
		cond := f[k]
		if idx := q.coll.IndexNamed(k); idx != nil {
			if !refsDone {
				refs, refsErr = safelyIndex(q.coll, rec)
				refsDone = true
			}
			if refsErr != nil {
				return false, persistenceErrf(q.coll.name, recordIDOf(rec), refsErr, "indexing failed")
			}
			if !matchIndexValues(indexValuesOf(refs, k), cond) {
				return false, nil
			}
			continue
		}
		v, found := lookupField(rec, k)
		if !matchField(v, found, cond) {
			return false, nil
		}
	}
	return true, nil
}

// firstInRange returns the smallest of the sorted values that lies in r.
func firstInRange(values []string, r Range) string {
	for _, v := range values {
		if matchIndexValues([]string{v}, r) {
			return v
		}
	}
	return ""
}

func indexValuesOf(refs []indexRef, index string) []string {
	var out []string
	for _, r := range refs {
		if r.Index == index {
			out = append(out, r.Value)
		}
	}
	return out
}

func (q *queryEngine) scanPrimary(ctx context.Context, tenant string, limit int, cursor Cursor, scope uint64, accept func(any) (bool, error)) (page, error) {
	prefix := collectionPrefix(tenant, q.coll.name)
	startAfter, err := decodeCursor(cursor, scope, prefix)
	if err != nil {
		return page{}, err
	}
	entries, err := q.db.store.List(ctx, prefix, kv.ListOptions{Limit: limit, StartAfter: startAfter, Delimiter: keySep})
	if err != nil {
		return page{}, err
	}
	q.db.ReadCount.Add(uint64(len(entries)))

	var res page
	for _, e := range entries {
		id, ok := idFromKey(prefix, e.Key)
		if !ok {
			continue
		}
		rec, err := q.decode(e, id)
		if err != nil {
			return page{}, err
		}
		if accept != nil {
			ok, err := accept(rec)
			if err != nil {
				return page{}, err
			}
			if !ok {
				continue
			}
		}
		res.items = append(res.items, rec)
	}
	if len(entries) == limit {
		res.next = encodeCursor(entries[len(entries)-1].Key, scope)
	}
	return res, nil
}

// scanIndex pages through the entries of one index value, or of the whole
// index when rng is set, and loads the referenced records. Entries whose
// record no longer carries the indexed value are skipped.
func (q *queryEngine) scanIndex(ctx context.Context, tenant string, idx *Index, value string, rng *Range, limit int, cursor Cursor, scope uint64, accept func(any) (bool, error)) (page, error) {
	var prefix string
	if rng != nil {
		prefix = indexPrefixKey(tenant, q.coll.name, idx.name)
	} else {
		if value == "" {
			return page{}, nil
		}
		prefix = indexValuePrefix(tenant, q.coll.name, idx.name, value)
	}
	startAfter, err := decodeCursor(cursor, scope, prefix)
	if err != nil {
		return page{}, err
	}
	entries, err := q.db.store.List(ctx, prefix, kv.ListOptions{Limit: limit, StartAfter: startAfter})
	if err != nil {
		return page{}, err
	}

	type hit struct {
		id    string
		value string
	}
	hits := make([]hit, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		var h hit
		if rng != nil {
			pk, ok := parseIndexKey(strings.TrimPrefix(e.Key, collectionPrefix(tenant, q.coll.name)))
			if !ok || pk.Guard {
				continue
			}
			if !matchIndexValues([]string{pk.Value}, *rng) {
				continue
			}
			h = hit{pk.ID, pk.Value}
		} else {
			id, ok := idFromKey(prefix, e.Key)
			if !ok {
				continue
			}
			h = hit{id, value}
		}
		hits = append(hits, h)
		ids = append(ids, h.id)
	}

	recs, err := q.fetch(ctx, tenant, dedupeStrings(ids))
	if err != nil {
		return page{}, err
	}

	var res page
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		rec, ok := recs[h.id]
		if !ok || seen[h.id] {
			continue
		}
		refs, err := safelyIndex(q.coll, rec)
		if err != nil {
			return page{}, persistenceErrf(q.coll.name, h.id, err, "indexing failed")
		}
		if !slices.Contains(refs, indexRef{idx.name, h.value}) {
			if q.db.verbose {
				q.db.logger.LogAttrs(ctx, slog.LevelDebug, "kvrepo: stale index entry", slog.String("index", idx.FullName()), slog.String("value", h.value), slog.String("id", h.id))
			}
			continue
		}
		// a record with several values in the range is returned only at
		// its smallest one, so later pages never repeat it
		if rng != nil && firstInRange(indexValuesOf(refs, idx.name), *rng) != h.value {
			continue
		}
		if accept != nil {
			ok, err := accept(rec)
			if err != nil {
				return page{}, err
			}
			if !ok {
				continue
			}
		}
		seen[h.id] = true
		res.items = append(res.items, rec)
	}
	if len(entries) == limit {
		res.next = encodeCursor(entries[len(entries)-1].Key, scope)
	}
	return res, nil
}

func (q *queryEngine) unknownIndex(index string) *Error {
	return &Error{Kind: KindValidation, Collection: q.coll.name, Index: index, Message: "unknown index", Issues: []Issue{{Path: "index", Message: fmt.Sprintf("%s has no index %q", q.coll.name, index), Code: "index"}}}
}
