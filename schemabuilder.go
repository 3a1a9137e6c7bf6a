package kvrepo

import (
	"fmt"
	"reflect"
)

type CollectionBuilder[T any] struct {
	coll *Collection
}

// DefineCollection adds a collection of T records to the schema. T is a
// struct with a string `json:"id"` field, or Document.
func DefineCollection[T any](scm *Schema, name string, f func(b *CollectionBuilder[T])) *Collection {
	mustValidName("collection", name)
	typ := reflect.TypeFor[T]()
	checkRecordType(typ)
	coll := &Collection{
		name:            name,
		latestSchemaVer: 1,
		recordType:      typ,
		indexesByName:   make(map[string]*Index),
		relationsByName: make(map[string]*Relation),
		indexer:         nopIndexer,
	}
	if f != nil {
		f(&CollectionBuilder[T]{coll: coll})
	}
	scm.addCollection(coll)
	return coll
}

func (b *CollectionBuilder[T]) Indexer(f func(rec *T, ib *IndexBuilder)) {
	b.coll.indexer = func(rec any, ib *IndexBuilder) {
		f(rec.(*T), ib)
	}
}

// Migrate is called for records read with an older schema version.
func (b *CollectionBuilder[T]) Migrate(f func(rec *T, oldVer uint64)) {
	b.coll.migrator = func(rec any, oldVer uint64) {
		f(rec.(*T), oldVer)
	}
}

func (b *CollectionBuilder[T]) Validator(v Validator) {
	b.coll.validator = v
}

func (b *CollectionBuilder[T]) Validate(f func(rec *T) []Issue) {
	b.coll.validator = ValidatorFunc(func(_ string, rec any) []Issue {
		return f(rec.(*T))
	})
}

func (b *CollectionBuilder[T]) AddIndex(idx *Index) {
	b.coll.addIndex(idx)
}

func (b *CollectionBuilder[T]) AddRelation(rel *Relation) {
	if b.coll.relationsByName[rel.name] != nil {
		panic(fmt.Errorf("%s: duplicate relation %s", b.coll.name, rel.name))
	}
	b.coll.relationsByName[rel.name] = rel
}

func (b *CollectionBuilder[T]) SetSchemaVersion(ver uint64) {
	if ver == 0 || ver > maxSchemaVersion {
		panic(fmt.Errorf("%s: invalid schema version %d", b.coll.name, ver))
	}
	b.coll.latestSchemaVer = ver
}

func (b *CollectionBuilder[T]) SuppressContentWhenLogging() {
	b.coll.suppressContent = true
}

func nopIndexer(rec any, ib *IndexBuilder) {}
