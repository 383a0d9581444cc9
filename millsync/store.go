// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millsync

import (
	"sort"
	"sync"
)

// Cache is the local cache store: the single source of truth for rendering.
// It holds exactly one record per id per kind, kept in the kind's canonical
// sort order. All mutation goes through the engine; readers get copies and
// never observe a partially applied change.
type Cache struct {
	mu      sync.RWMutex
	records map[Kind][]Record
	syncing map[Kind]bool
}

// NewCache returns an empty cache with every known kind initialized.
func NewCache() *Cache {
	c := &Cache{
		records: make(map[Kind][]Record),
		syncing: make(map[Kind]bool),
	}
	for _, k := range Kinds() {
		c.records[k] = nil
	}
	return c
}

// List returns a copy of the collection for a kind in canonical order.
func (c *Cache) List(kind Kind) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.records[kind]))
	for _, r := range c.records[kind] {
		out = append(out, r.Clone())
	}
	return out
}

// Get returns a copy of one record by id.
func (c *Cache) Get(kind Kind, id string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r := c.find(kind, id); r != nil {
		return r.Clone(), true
	}
	return nil, false
}

// Len reports the collection size for a kind.
func (c *Cache) Len(kind Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records[kind])
}

// Syncing reports whether a bulk operation is in flight for a kind.
func (c *Cache) Syncing(kind Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncing[kind]
}

func (c *Cache) setSyncing(kind Kind, v bool) {
	c.mu.Lock()
	c.syncing[kind] = v
	c.mu.Unlock()
}

// find returns the live record for id, or nil. Caller holds c.mu.
func (c *Cache) find(kind Kind, id string) Record {
	for _, r := range c.records[kind] {
		if r.RecordID() == id {
			return r
		}
	}
	return nil
}

// upsert stores a copy of rec, replacing any record with the same id, and
// re-sorts into canonical position. The one-record-per-id invariant is
// enforced here and nowhere else.
func (c *Cache) upsert(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(rec)
}

func (c *Cache) upsertLocked(rec Record) {
	kind := rec.Kind()
	coll := c.records[kind]
	replaced := false
	for i, r := range coll {
		if r.RecordID() == rec.RecordID() {
			coll[i] = rec.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		coll = append(coll, rec.Clone())
	}
	sort.SliceStable(coll, func(i, j int) bool { return less(coll[i], coll[j]) })
	c.records[kind] = coll
}

// remove deletes the record with id and returns the removed copy.
func (c *Cache) remove(kind Kind, id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := c.records[kind]
	for i, r := range coll {
		if r.RecordID() == id {
			c.records[kind] = append(coll[:i:i], coll[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

// replaceID swaps the record stored under oldID for rec (which may carry a
// server-assigned id). Used when an optimistic insert is confirmed with a
// different canonical id; afterwards no record references the stale id.
func (c *Cache) replaceID(kind Kind, oldID string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := c.records[kind]
	for i, r := range coll {
		if r.RecordID() == oldID {
			c.records[kind] = append(coll[:i:i], coll[i+1:]...)
			break
		}
	}
	c.upsertLocked(rec)
}

// replaceAll swaps in a whole collection (initial load, restore).
func (c *Cache) replaceAll(kind Kind, recs []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := make([]Record, 0, len(recs))
	for _, r := range recs {
		coll = append(coll, r.Clone())
	}
	sort.SliceStable(coll, func(i, j int) bool { return less(coll[i], coll[j]) })
	c.records[kind] = coll
}
