package kvrepo

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Document is a schemaless record. Its "id" entry must be a string.
type Document map[string]any

func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

var (
	documentType  = reflect.TypeOf(Document(nil))
	typeInfoCache sync.Map
)

type structInfo struct {
	fields  map[string][]int
	idField []int
}

func reflectType(typ reflect.Type) *structInfo {
	if v, ok := typeInfoCache.Load(typ); ok {
		return v.(*structInfo)
	}
	info := reflectTypeWithoutCache(typ)
	actual, _ := typeInfoCache.LoadOrStore(typ, info)
	return actual.(*structInfo)
}

func reflectTypeWithoutCache(typ reflect.Type) *structInfo {
	si := &structInfo{fields: make(map[string][]int)}
	for _, f := range reflect.VisibleFields(typ) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name := jsonName(f)
		if name == "-" {
			continue
		}
		if _, dup := si.fields[name]; dup && len(f.Index) > 1 {
			continue
		}
		si.fields[name] = f.Index
	}
	if idx, ok := si.fields["id"]; ok && typ.FieldByIndex(idx).Type.Kind() == reflect.String {
		si.idField = idx
	}
	return si
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// checkRecordType panics unless T can be stored: a Document or a struct
// with a string field tagged `json:"id"`.
func checkRecordType(typ reflect.Type) {
	if typ == documentType {
		return
	}
	if typ.Kind() != reflect.Struct {
		panic(fmt.Errorf("%v is neither a struct nor kvrepo.Document", typ))
	}
	if reflectType(typ).idField == nil {
		panic(fmt.Errorf("%v has no string field tagged json:\"id\"", typ))
	}
}

func recordIDOf(rec any) string {
	v := reflect.ValueOf(rec)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return ""
		}
		id := indirect(v.MapIndex(reflect.ValueOf("id").Convert(v.Type().Key())))
		if !id.IsValid() || id.Kind() != reflect.String {
			return ""
		}
		return id.String()
	case reflect.Struct:
		si := reflectType(v.Type())
		if si.idField == nil {
			return ""
		}
		return v.FieldByIndex(si.idField).String()
	default:
		return ""
	}
}

// lookupField resolves a dotted path of JSON field names against a struct
// or map record.
func lookupField(rec any, path string) (any, bool) {
	v := reflect.ValueOf(rec)
	for _, seg := range strings.Split(path, ".") {
		v = indirect(v)
		if !v.IsValid() {
			return nil, false
		}
		switch v.Kind() {
		case reflect.Map:
			if v.Type().Key().Kind() != reflect.String {
				return nil, false
			}
			v = v.MapIndex(reflect.ValueOf(seg).Convert(v.Type().Key()))
			if !v.IsValid() {
				return nil, false
			}
		case reflect.Struct:
			idx, ok := reflectType(v.Type()).fields[seg]
			if !ok {
				return nil, false
			}
			f, err := v.FieldByIndexErr(idx)
			if err != nil {
				return nil, false
			}
			v = f
		default:
			return nil, false
		}
	}
	v = indirect(v)
	if !v.IsValid() {
		return nil, false
	}
	return v.Interface(), true
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// fieldValues flattens a field value into its elements when it is a slice
// or array (other than []byte).
func fieldValues(v any) []any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if e := indirect(rv.Index(i)); e.IsValid() {
				out = append(out, e.Interface())
			}
		}
		return out
	}
	return []any{v}
}
