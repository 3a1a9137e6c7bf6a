package kvrepo

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Resolver loads related records by id for a tenant. Ids that do not
// resolve are simply absent from the result.
type Resolver func(ctx context.Context, tenant string, ids []string) (map[string]any, error)

// Resolvers maps relation names to the resolver to use for a query.
type Resolvers map[string]Resolver

// Relation describes how records of a collection reference records
// elsewhere and how resolved records are attached to them.
type Relation struct {
	name   string
	refs   func(rec any) []string
	attach func(rec any, resolved map[string]any)
}

func (rel *Relation) Name() string {
	return rel.name
}

// RelationOne declares a to-one relation: ref returns the referenced id and
// set receives the resolved record, or nil if it did not resolve.
func RelationOne[T, U any](name string, ref func(rec *T) string, set func(rec *T, target *U)) *Relation {
	mustValidName("relation", name)
	return &Relation{
		name: name,
		refs: func(rec any) []string {
			if id := ref(rec.(*T)); id != "" {
				return []string{id}
			}
			return nil
		},
		attach: func(rec any, resolved map[string]any) {
			r := rec.(*T)
			target, _ := resolved[ref(r)].(*U)
			set(r, target)
		},
	}
}

// RelationMany declares a to-many relation. Unresolved ids are skipped.
func RelationMany[T, U any](name string, refs func(rec *T) []string, set func(rec *T, targets []*U)) *Relation {
	mustValidName("relation", name)
	return &Relation{
		name: name,
		refs: func(rec any) []string {
			return refs(rec.(*T))
		},
		attach: func(rec any, resolved map[string]any) {
			r := rec.(*T)
			var targets []*U
			for _, id := range refs(r) {
				if target, ok := resolved[id].(*U); ok {
					targets = append(targets, target)
				}
			}
			set(r, targets)
		},
	}
}

// FieldRelation declares a relation of a Document collection whose ids are
// stored in the field at path (a string or a list of strings). Resolved
// records are attached under the relation name.
func FieldRelation(name, path string) *Relation {
	mustValidName("relation", name)
	return &Relation{
		name: name,
		refs: func(rec any) []string {
			v, _ := lookupField(rec, path)
			return stringValues(v)
		},
		attach: func(rec any, resolved map[string]any) {
			doc, ok := rec.(*Document)
			if !ok {
				panic(fmt.Errorf("relation %s: FieldRelation requires Document records, got %T", name, rec))
			}
			v, _ := lookupField(rec, path)
			switch id := v.(type) {
			case string:
				(*doc)[name] = resolved[id]
			default:
				var targets []any
				for _, id := range stringValues(v) {
					if target, ok := resolved[id]; ok {
						targets = append(targets, target)
					}
				}
				(*doc)[name] = targets
			}
		},
	}
}

func stringValues(v any) []string {
	var out []string
	for _, e := range fieldValues(v) {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ResolveFrom returns a resolver backed by a repository's FindByIds.
func ResolveFrom[U any](repo *Repository[U]) Resolver {
	return func(ctx context.Context, tenant string, ids []string) (map[string]any, error) {
		recs, err := repo.q.getMany(ctx, tenant, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(recs))
		for _, rec := range recs {
			out[recordIDOf(rec)] = rec
		}
		return out, nil
	}
}

// populate resolves the named relations for items and attaches the results.
// Resolvers of different relations run concurrently.
func (q *queryEngine) populate(ctx context.Context, tenant string, items []any, names []string, resolvers Resolvers) error {
	names = dedupeStrings(names)
	if len(names) == 0 {
		return nil
	}
	rels := make([]*Relation, len(names))
	for i, name := range names {
		rel := q.coll.relationsByName[name]
		if rel == nil {
			return &Error{Kind: KindValidation, Collection: q.coll.name, Message: "unknown relation", Issues: []Issue{{Path: "populate", Message: fmt.Sprintf("%s has no relation %q", q.coll.name, name), Code: "relation"}}}
		}
		if resolvers[name] == nil {
			return &Error{Kind: KindValidation, Collection: q.coll.name, Message: "missing resolver", Issues: []Issue{{Path: "populate", Message: fmt.Sprintf("no resolver supplied for relation %q", name), Code: "resolver"}}}
		}
		rels[i] = rel
	}
	if len(items) == 0 {
		return nil
	}

	idSets := make([][]string, len(rels))
	for i, rel := range rels {
		var ids []string
		for _, item := range items {
			refs, err := safelyCall(func() []string { return rel.refs(item) })
			if err != nil {
				return persistenceErrf(q.coll.name, recordIDOf(item), err, "relation %s", rel.name)
			}
			ids = append(ids, refs...)
		}
		idSets[i] = dedupeStrings(ids)
	}

	resolved := make([]map[string]any, len(rels))
	g, gctx := errgroup.WithContext(ctx)
	for i, rel := range rels {
		ids := idSets[i]
		if len(ids) == 0 {
			resolved[i] = map[string]any{}
			continue
		}
		resolve := resolvers[rel.name]
		g.Go(func() error {
			m, err := resolve(gctx, tenant, ids)
			if err != nil {
				var e *Error
				if errors.As(err, &e) {
					return e
				}
				return persistenceErrf(q.coll.name, "", err, "resolving relation %s", rel.name)
			}
			resolved[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, rel := range rels {
		for _, item := range items {
			if _, err := safelyCall(func() struct{} { rel.attach(item, resolved[i]); return struct{}{} }); err != nil {
				return persistenceErrf(q.coll.name, recordIDOf(item), err, "relation %s", rel.name)
			}
		}
	}
	return nil
}
