package postgres

import (
	"container/list"
	"encoding/binary"
	"hash/fnv"
)

// Fingerprint computes the cache key for a statement's SQL text.
// Uses FNV-1a which is fast and has good distribution.
func Fingerprint(sql string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(sql))
	return h.Sum64()
}

// Statement is a cached server-side prepared statement: the
// backend-assigned identifier plus shared column metadata.
type Statement struct {
	// Name is the statement identifier assigned at Parse time, stable
	// for the life of the connection.
	Name string

	SQL         string
	Fingerprint uint64

	ParameterOIDs []uint32

	// Columns is shared, reference-counted metadata. Nil for statements
	// that return no rows. The owning connection releases the reference
	// when the entry leaves the cache.
	Columns *SharedColumns
}

// SharedColumns is column metadata shared by every cached statement whose
// result shape is identical. The owning connection's interner counts
// references; the metadata is dropped from the interner only when the
// last referencing cache entry is evicted.
type SharedColumns struct {
	Fields []Column

	hash uint64
	refs int
}

// Refs reports the current reference count. Exposed for tests.
func (s *SharedColumns) Refs() int { return s.refs }

// columnInterner deduplicates result-shape metadata across cached
// statements. Not synchronized: it is owned by exactly one connection.
type columnInterner struct {
	byHash map[uint64]*SharedColumns
}

func newColumnInterner() columnInterner {
	return columnInterner{byHash: make(map[uint64]*SharedColumns)}
}

func (in *columnInterner) size() int { return len(in.byHash) }

// intern returns the shared metadata for fields, reusing an existing
// object when one with the same shape is live, and takes a reference.
func (in *columnInterner) intern(fields []Column) *SharedColumns {
	hash := hashColumns(fields)
	if shared, ok := in.byHash[hash]; ok {
		shared.refs++
		return shared
	}
	shared := &SharedColumns{Fields: fields, hash: hash, refs: 1}
	in.byHash[hash] = shared
	return shared
}

// release drops one reference; the metadata is freed once no cache entry
// refers to it.
func (in *columnInterner) release(shared *SharedColumns) {
	if shared == nil {
		return
	}
	shared.refs--
	if shared.refs <= 0 {
		delete(in.byHash, shared.hash)
	}
}

func hashColumns(fields []Column) uint64 {
	h := fnv.New64a()
	var buf [6]byte
	for _, f := range fields {
		h.Write([]byte(f.ColumnName))
		binary.BigEndian.PutUint32(buf[:4], f.DataType.OID)
		binary.BigEndian.PutUint16(buf[4:6], uint16(f.Format))
		h.Write(buf[:6])
	}
	return h.Sum64()
}

// StmtCache is a bounded LRU cache of prepared statements, keyed by the
// SQL fingerprint. Eviction hands the evicted entries back to the caller
// so it can queue backend deallocation commands.
//
// The cache is not synchronized: each cache is owned by exactly one
// connection (concurrency across connections, never within one).
type StmtCache struct {
	capacity int

	entries map[uint64]*list.Element
	// lru front = most recently used; element values are *Statement.
	lru *list.List
}

// NewStmtCache creates a cache bounded to capacity entries. Capacity 0
// disables caching: every Put is immediately evicted.
func NewStmtCache(capacity int) *StmtCache {
	return &StmtCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached statement for fingerprint and marks it most
// recently used.
func (c *StmtCache) Get(fingerprint uint64) (*Statement, bool) {
	elem, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*Statement), true
}

// Put inserts stmt, returning any entries evicted to stay within
// capacity. A statement with a fingerprint already in the cache replaces
// the old entry, which is returned as evicted.
func (c *StmtCache) Put(stmt *Statement) (evicted []*Statement) {
	if elem, ok := c.entries[stmt.Fingerprint]; ok {
		evicted = append(evicted, elem.Value.(*Statement))
		c.lru.Remove(elem)
		delete(c.entries, stmt.Fingerprint)
	}

	if c.capacity <= 0 {
		return append(evicted, stmt)
	}

	for len(c.entries) >= c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*Statement)
		c.lru.Remove(oldest)
		delete(c.entries, old.Fingerprint)
		evicted = append(evicted, old)
	}

	c.entries[stmt.Fingerprint] = c.lru.PushFront(stmt)
	return evicted
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	return len(c.entries)
}

// Drain empties the cache and returns every entry in least-recently-used
// to most-recently-used order.
func (c *StmtCache) Drain() []*Statement {
	drained := make([]*Statement, 0, len(c.entries))
	for elem := c.lru.Back(); elem != nil; elem = c.lru.Back() {
		stmt := elem.Value.(*Statement)
		c.lru.Remove(elem)
		delete(c.entries, stmt.Fingerprint)
		drained = append(drained, stmt)
	}
	return drained
}
