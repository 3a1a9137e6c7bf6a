package kvrepo

import (
	"fmt"
	"regexp"
	"strings"
)

// Key layout:
//
//	tenants/{tenant}/{collection}/{id}                           record
//	tenants/{tenant}/{collection}/by_{index}/{value}/{id}        index entry
//	tenants/{tenant}/{collection}/by_{index}/{value}             unique guard
//
// Tenants, ids and index values are escaped so that they never contain a
// raw '/', which keeps every record of a collection one level below its
// prefix and lets primary scans skip the index subtrees.
const (
	keyRoot     = "tenants"
	keySep      = "/"
	indexPrefix = "by_"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func validName(name string) bool {
	return namePattern.MatchString(name)
}

func mustValidName(what, name string) {
	if !validName(name) {
		panic(fmt.Errorf("invalid %s name %q (want %s)", what, name, namePattern.String()))
	}
}

var (
	segmentEscaper   = strings.NewReplacer("%", "%25", "/", "%2F")
	segmentUnescaper = strings.NewReplacer("%2F", "/", "%25", "%")
)

func escapeSegment(s string) string {
	if !strings.ContainsAny(s, "%/") {
		return s
	}
	return segmentEscaper.Replace(s)
}

func unescapeSegment(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	return segmentUnescaper.Replace(s)
}

func collectionPrefix(tenant, coll string) string {
	return keyRoot + keySep + escapeSegment(tenant) + keySep + coll + keySep
}

func primaryKey(tenant, coll, id string) string {
	return collectionPrefix(tenant, coll) + escapeSegment(id)
}

func indexesPrefix(tenant, coll string) string {
	return collectionPrefix(tenant, coll) + indexPrefix
}

func indexPrefixKey(tenant, coll, index string) string {
	return collectionPrefix(tenant, coll) + indexPrefix + index + keySep
}

func guardKey(tenant, coll, index, value string) string {
	return indexPrefixKey(tenant, coll, index) + escapeSegment(value)
}

func indexValuePrefix(tenant, coll, index, value string) string {
	return guardKey(tenant, coll, index, value) + keySep
}

func indexEntryKey(tenant, coll, index, value, id string) string {
	return indexValuePrefix(tenant, coll, index, value) + escapeSegment(id)
}

// parsedIndexKey is an index subtree key split into its parts. Guard keys
// have an empty ID.
type parsedIndexKey struct {
	Index string
	Value string
	ID    string
	Guard bool
}

// parseIndexKey parses the part of a key following the collection prefix.
func parseIndexKey(rest string) (parsedIndexKey, bool) {
	rest, ok := strings.CutPrefix(rest, indexPrefix)
	if !ok {
		return parsedIndexKey{}, false
	}
	parts := strings.Split(rest, keySep)
	switch len(parts) {
	case 2:
		return parsedIndexKey{Index: parts[0], Value: unescapeSegment(parts[1]), Guard: true}, true
	case 3:
		return parsedIndexKey{Index: parts[0], Value: unescapeSegment(parts[1]), ID: unescapeSegment(parts[2])}, true
	default:
		return parsedIndexKey{}, false
	}
}

// idFromKey returns the record id of a key under prefix, or false if the
// key belongs to a nested subtree.
func idFromKey(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" || strings.Contains(rest, keySep) {
		return "", false
	}
	return unescapeSegment(rest), true
}
