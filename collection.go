package kvrepo

import (
	"fmt"
	"reflect"
)

type Collection struct {
	schema          *Schema
	name            string
	latestSchemaVer uint64
	recordType      reflect.Type
	indexes         []*Index
	indexesByName   map[string]*Index
	indexer         func(rec any, ib *IndexBuilder)
	migrator        func(rec any, oldVer uint64)
	validator       Validator
	relationsByName map[string]*Relation
	suppressContent bool
}

func (coll *Collection) Name() string {
	return coll.name
}

func (coll *Collection) SchemaVersion() uint64 {
	return coll.latestSchemaVer
}

func (coll *Collection) RecordType() reflect.Type {
	return coll.recordType
}

func (coll *Collection) Indexes() []*Index {
	return append([]*Index(nil), coll.indexes...)
}

func (coll *Collection) IndexNamed(name string) *Index {
	return coll.indexesByName[name]
}

func (coll *Collection) addIndex(idx *Index) {
	if idx.coll != "" {
		panic(fmt.Errorf("%s: index already belongs to %s", coll.name, idx.coll))
	}
	if coll.indexesByName[idx.name] != nil {
		panic(fmt.Errorf("%s: duplicate index %s", coll.name, idx.name))
	}
	idx.coll = coll.name
	coll.indexes = append(coll.indexes, idx)
	coll.indexesByName[idx.name] = idx
}

// newRecord returns a new *T as any.
func (coll *Collection) newRecord() any {
	rec := reflect.New(coll.recordType)
	if coll.recordType.Kind() == reflect.Map {
		rec.Elem().Set(reflect.MakeMap(coll.recordType))
	}
	return rec.Interface()
}

func (coll *Collection) recordID(rec any) string {
	return recordIDOf(rec)
}

// indexRefs computes the normalized index entries of a record.
func (coll *Collection) indexRefs(rec any) []indexRef {
	ib := IndexBuilder{coll: coll.name}
	for _, idx := range coll.indexes {
		if idx.extract != nil {
			ib.Add(idx, idx.extract(rec))
		}
	}
	coll.indexer(rec, &ib)
	return normalizeIndexRefs(ib.refs)
}

// decodeValue decodes a stored value into a new record, migrating it if it
// was written with an older schema version.
func (coll *Collection) decodeValue(raw []byte) (any, *value, error) {
	var vle value
	if err := vle.decode(raw); err != nil {
		return nil, nil, err
	}
	rec := coll.newRecord()
	if err := decodeRecord(vle.Data, rec); err != nil {
		return nil, &vle, err
	}
	if vle.SchemaVer < coll.latestSchemaVer && coll.migrator != nil {
		_, err := safelyCall(func() struct{} { coll.migrator(rec, vle.SchemaVer); return struct{}{} })
		if err != nil {
			return nil, &vle, fmt.Errorf("migrate from schema version %d: %w", vle.SchemaVer, err)
		}
	}
	return rec, &vle, nil
}

func (coll *Collection) String() string {
	return coll.name
}
