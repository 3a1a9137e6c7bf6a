package kvrepo

import (
	"fmt"
	"reflect"
	"sort"
)

// Schema is the set of collections known to a DB.
type Schema struct {
	colls       []*Collection
	collsByName map[string]*Collection
}

func NewSchema() *Schema {
	return &Schema{
		collsByName: make(map[string]*Collection),
	}
}

func (scm *Schema) init() {
	if scm.collsByName == nil {
		scm.collsByName = make(map[string]*Collection)
	}
}

func (scm *Schema) addCollection(coll *Collection) {
	scm.init()
	if scm.collsByName[coll.name] != nil {
		panic(fmt.Errorf("duplicate collection %s", coll.name))
	}
	coll.schema = scm
	scm.colls = append(scm.colls, coll)
	scm.collsByName[coll.name] = coll
}

// Collections returns all collections sorted by name.
func (scm *Schema) Collections() []*Collection {
	colls := append([]*Collection(nil), scm.colls...)
	sort.Slice(colls, func(i, j int) bool {
		return colls[i].name < colls[j].name
	})
	return colls
}

func (scm *Schema) CollectionNamed(name string) *Collection {
	return scm.collsByName[name]
}

func (scm *Schema) collectionFor(typ reflect.Type, name string) *Collection {
	coll := scm.collsByName[name]
	if coll == nil {
		panic(fmt.Errorf("unknown collection %s", name))
	}
	if coll.recordType != typ {
		panic(fmt.Errorf("collection %s stores %v, not %v", name, coll.recordType, typ))
	}
	return coll
}
