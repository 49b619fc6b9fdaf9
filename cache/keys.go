package cache

import (
	"strconv"
	"strings"
)

// Key namespaces. The unique index namespace belongs to the authoritative
// index store and must never be invalidated like a cache entry.
const (
	nsEntity       = "e"
	nsUniqueLookup = "ul"
	nsUniqueIndex  = "u"
	nsQuery        = "q"
	nsQueryVersion = "qv"
	nsEntryVersion = "ev"
	nsLease        = "lease"

	memberSeparator = "|"
)

// PrimaryKey is the primary-cache key of one row.
func PrimaryKey(entity string, id uint64) string {
	return nsEntity + KeySeparator + entity + KeySeparator + strconv.FormatUint(id, 10)
}

// UniqueLookupKey is the cache key of a "get by unique index" lookup entry.
func UniqueLookupKey(entity, index, member string) string {
	return nsUniqueLookup + KeySeparator + entity + KeySeparator + index + KeySeparator + member
}

// IndexMember renders the column values of one unique index tuple. A single
// column renders as its serialized value. Composite tuples length-prefix every
// component ("3:x:y|1:z"), so components containing separators never collide.
func IndexMember(s KeySerializer, values ...any) string {
	if len(values) == 1 {
		return strings.TrimPrefix(s.SerializeKey("", values[0]), KeySeparator)
	}

	var b strings.Builder
	for i, v := range values {
		part := strings.TrimPrefix(s.SerializeKey("", v), KeySeparator)
		if i > 0 {
			b.WriteString(memberSeparator)
		}
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteString(KeySeparator)
		b.WriteString(part)
	}
	return b.String()
}

// UniqueIndexKey is the index store key owning one unique index tuple.
func UniqueIndexKey(entity, index, member string) string {
	return nsUniqueIndex + KeySeparator + entity + KeySeparator + index + KeySeparator + member
}

// QueryPrefix is the prefix shared by every cached query entry of an entity type.
func QueryPrefix(entity string) string {
	return nsQuery + KeySeparator + entity + KeySeparator
}

// QueryKey is the key of one cached query entry; digest identifies the
// predicate parameters.
func QueryKey(entity, predicate string, version int64, digest uint64) string {
	return QueryPrefix(entity) + predicate + KeySeparator +
		strconv.FormatInt(version, 10) + KeySeparator + strconv.FormatUint(digest, 16)
}

// QueryVersionKey holds the version counter of one cached predicate.
func QueryVersionKey(entity, predicate string) string {
	return nsQueryVersion + KeySeparator + entity + KeySeparator + predicate
}

// EntryVersionKey holds the version counter of one primary-cache or unique
// lookup key.
func EntryVersionKey(key string) string {
	return nsEntryVersion + KeySeparator + key
}

// VersionedKey is the pool key of key at version.
func VersionedKey(key string, version int64) string {
	return key + KeySeparator + "v" + strconv.FormatInt(version, 10)
}

// LeaseKey is the lock key guarding one queue cursor.
func LeaseKey(queue, group string) string {
	return nsLease + KeySeparator + queue + KeySeparator + group
}
