package kvrepo

import (
	"context"
	"reflect"
)

// Repository is the tenant-scoped facade over one collection. Every method
// returns a Result and never panics on data or storage errors.
type Repository[T any] struct {
	db   *DB
	coll *Collection
	w    writer
	q    *queryEngine
}

// NewRepository binds the collection to db. It panics if the collection
// does not store T or is not part of the DB's schema.
func NewRepository[T any](db *DB, coll *Collection) *Repository[T] {
	if coll.recordType != reflect.TypeFor[T]() {
		panic("kvrepo: collection " + coll.name + " stores " + coll.recordType.String() + ", not " + reflect.TypeFor[T]().String())
	}
	if db.schema != nil && db.schema.CollectionNamed(coll.name) != coll {
		panic("kvrepo: collection " + coll.name + " is not part of the DB schema")
	}
	return &Repository[T]{
		db:   db,
		coll: coll,
		w: &validatingWriter{
			coll: coll,
			next: &indexingWriter{db: db, coll: coll},
		},
		q: &queryEngine{db: db, coll: coll},
	}
}

// RepositoryFor looks up a collection by name in the DB's schema.
func RepositoryFor[T any](db *DB, name string) *Repository[T] {
	return NewRepository[T](db, db.schema.collectionFor(reflect.TypeFor[T](), name))
}

func (r *Repository[T]) Collection() *Collection {
	return r.coll
}

func checkTenant(coll *Collection, tenant string) error {
	if tenant == "" {
		return &Error{Kind: KindValidation, Collection: coll.name, Message: "tenant is required", Issues: []Issue{{Path: "tenant", Message: "is required", Code: "required"}}}
	}
	return nil
}

// Save creates or replaces the record with the record's id.
func (r *Repository[T]) Save(ctx context.Context, tenant string, rec *T) Result[*T] {
	err := r.db.observe(ctx, r.coll, "save", tenant, func(ctx context.Context) error {
		if err := checkTenant(r.coll, tenant); err != nil {
			return err
		}
		if rec == nil {
			return validationErr(r.coll.name, "", Issue{Message: "record is nil", Code: "required"})
		}
		_, err := r.w.save(ctx, tenant, rec)
		return err
	})
	return resultOf(rec, err)
}

func (r *Repository[T]) FindByID(ctx context.Context, tenant, id string) Result[*T] {
	var rec *T
	err := r.db.observe(ctx, r.coll, "find_by_id", tenant, func(ctx context.Context) error {
		if err := checkTenant(r.coll, tenant); err != nil {
			return err
		}
		if id == "" {
			return validationErr(r.coll.name, "", Issue{Path: "id", Message: "is required", Code: "required"})
		}
		v, err := r.q.get(ctx, tenant, id)
		if err != nil {
			return err
		}
		rec = v.(*T)
		return nil
	})
	return resultOf(rec, err)
}

// FindByIds returns the records that exist, in the order of ids, each once.
func (r *Repository[T]) FindByIds(ctx context.Context, tenant string, ids []string) Result[[]*T] {
	var recs []*T
	err := r.db.observe(ctx, r.coll, "find_by_ids", tenant, func(ctx context.Context) error {
		if err := checkTenant(r.coll, tenant); err != nil {
			return err
		}
		items, err := r.q.getMany(ctx, tenant, ids)
		if err != nil {
			return err
		}
		recs = typedItems[T](items)
		return nil
	})
	return resultOf(recs, err)
}

// Delete removes the record and its index entries. Deleting a missing
// record fails with NOT_FOUND.
func (r *Repository[T]) Delete(ctx context.Context, tenant, id string) Result[struct{}] {
	err := r.db.observe(ctx, r.coll, "delete", tenant, func(ctx context.Context) error {
		if err := checkTenant(r.coll, tenant); err != nil {
			return err
		}
		_, err := r.w.remove(ctx, tenant, id)
		return err
	})
	return resultOf(struct{}{}, err)
}

// List pages through all records of the tenant in id order.
func (r *Repository[T]) List(ctx context.Context, tenant string, p Page) Result[PageResult[T]] {
	return r.paged(ctx, "list", tenant, func(ctx context.Context) (page, error) {
		return r.q.list(ctx, tenant, p)
	})
}

// QueryByIndex pages through the records whose index has the given value.
func (r *Repository[T]) QueryByIndex(ctx context.Context, tenant, index string, value any, p Page) Result[PageResult[T]] {
	return r.paged(ctx, "query_by_index", tenant, func(ctx context.Context) (page, error) {
		return r.q.queryByIndex(ctx, tenant, index, value, p)
	})
}

// Query runs a filtered, searched and optionally populated scan.
func (r *Repository[T]) Query(ctx context.Context, tenant string, qry Query, resolvers Resolvers) Result[PageResult[T]] {
	return r.paged(ctx, "query", tenant, func(ctx context.Context) (page, error) {
		return r.q.query(ctx, tenant, qry, resolvers)
	})
}

func (r *Repository[T]) paged(ctx context.Context, op, tenant string, f func(ctx context.Context) (page, error)) Result[PageResult[T]] {
	var res PageResult[T]
	err := r.db.observe(ctx, r.coll, op, tenant, func(ctx context.Context) error {
		if err := checkTenant(r.coll, tenant); err != nil {
			return err
		}
		p, err := f(ctx)
		if err != nil {
			return err
		}
		res = PageResult[T]{Items: typedItems[T](p.items), NextCursor: p.next}
		return nil
	})
	return resultOf(res, err)
}

func typedItems[T any](items []any) []*T {
	out := make([]*T, len(items))
	for i, item := range items {
		out[i] = item.(*T)
	}
	return out
}
