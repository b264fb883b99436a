package entrytable

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/model"
)

// UpdateFunc computes the next state of an entry from a private copy of the current one.
// cur is nil when the key is absent. Returning a nil entry or an error leaves the table unchanged.
type UpdateFunc func(cur *model.CacheEntry) (*model.CacheEntry, error)

// Table holds the entries of one node, one shard per partition.
// Each shard is guarded by its own lock so writers to the same key are serialized
// while other partitions proceed. Readers receive copies and never see a torn entry.
type Table struct {
	shards []*shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*model.CacheEntry
}

// New creates a table with one shard per partition
func New(partitions int) *Table {
	t := &Table{shards: make([]*shard, partitions)}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]*model.CacheEntry)}
	}
	return t
}

// Partitions returns the shard count
func (t *Table) Partitions() int {
	return len(t.shards)
}

func (t *Table) shard(partition int) (*shard, error) {
	if partition < 0 || partition >= len(t.shards) {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("partition %d out of range [0, %d)", partition, len(t.shards)), nil)
	}
	return t.shards[partition], nil
}

// Get returns a copy of the entry, or nil if absent
func (t *Table) Get(partition int, keyBytes []byte) *model.CacheEntry {
	s, err := t.shard(partition)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[string(keyBytes)]
	if !ok {
		return nil
	}
	return e.Clone()
}

// Update applies fn under the partition lock and stores its result.
// It returns a copy of the stored entry, or the unchanged current entry when fn declined.
func (t *Table) Update(partition int, keyBytes []byte, fn UpdateFunc) (*model.CacheEntry, error) {
	s, err := t.shard(partition)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := string(keyBytes)
	cur, ok := s.entries[id]

	var arg *model.CacheEntry
	if ok {
		arg = cur.Clone()
	}

	next, err := fn(arg)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if !ok {
			return nil, nil
		}
		return cur.Clone(), nil
	}

	next.Partition = partition
	if next.KeyBytes == nil {
		next.KeyBytes = keyBytes
	}
	s.entries[id] = next
	return next.Clone(), nil
}

// BatchFunc computes the next state of the i-th key of a batch, like UpdateFunc
type BatchFunc func(i int, cur *model.CacheEntry) (*model.CacheEntry, error)

// UpdateBatch applies fn to every key of one partition under a single lock hold.
// A later key sees what an earlier key of the same batch staged. commit, when set,
// receives the staged entries (nil where fn declined) before anything is stored.
// An error from fn or commit leaves the partition unchanged.
// It returns, per key, a copy of the stored entry or of the current one when fn declined.
func (t *Table) UpdateBatch(partition int, keys [][]byte, fn BatchFunc, commit func(staged []*model.CacheEntry) error) ([]*model.CacheEntry, error) {
	s, err := t.shard(partition)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]*model.CacheEntry, len(keys))
	current := func(id string) *model.CacheEntry {
		if e, ok := pending[id]; ok {
			return e
		}
		return s.entries[id]
	}

	staged := make([]*model.CacheEntry, len(keys))
	out := make([]*model.CacheEntry, len(keys))
	for i, kb := range keys {
		id := string(kb)
		var arg *model.CacheEntry
		if cur := current(id); cur != nil {
			arg = cur.Clone()
		}

		next, err := fn(i, arg)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if cur := current(id); cur != nil {
				out[i] = cur.Clone()
			}
			continue
		}

		next.Partition = partition
		if next.KeyBytes == nil {
			next.KeyBytes = kb
		}
		pending[id] = next
		staged[i] = next.Clone()
		out[i] = next.Clone()
	}

	if commit != nil {
		if err := commit(staged); err != nil {
			return nil, err
		}
	}
	for id, e := range pending {
		s.entries[id] = e
	}
	return out, nil
}

// Delete removes the entry if cond accepts it. A nil cond always removes.
func (t *Table) Delete(partition int, keyBytes []byte, cond func(e *model.CacheEntry) bool) bool {
	s, err := t.shard(partition)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := string(keyBytes)
	e, ok := s.entries[id]
	if !ok || (cond != nil && !cond(e)) {
		return false
	}
	delete(s.entries, id)
	return true
}

// Entries returns copies of all entries of a partition ordered by key bytes
func (t *Table) Entries(partition int) []*model.CacheEntry {
	s, err := t.shard(partition)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	out := make([]*model.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].KeyBytes, out[j].KeyBytes) < 0
	})
	return out
}

// EvictPartition drops the entries of a partition that keep does not accept.
// A nil keep drops everything. Returns the number of removed entries.
func (t *Table) EvictPartition(partition int, keep func(e *model.CacheEntry) bool) int {
	s, err := t.shard(partition)
	if err != nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if keep == nil || !keep(e) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Mutate runs fn on every entry in place under the partition locks.
// fn must not retain the entry.
func (t *Table) Mutate(fn func(e *model.CacheEntry)) {
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			fn(e)
		}
		s.mu.Unlock()
	}
}

// RemoveIf deletes every entry matching pred across all partitions and returns the count
func (t *Table) RemoveIf(pred func(e *model.CacheEntry) bool) int {
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if pred(e) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries in a partition, tombstones included
func (t *Table) Len(partition int) int {
	s, err := t.shard(partition)
	if err != nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats summarizes the table contents
type Stats struct {
	Entries    int
	Tombstones int
	Partitions int // Partitions holding at least one entry
}

// Stats walks every shard
func (t *Table) Stats() Stats {
	var st Stats
	for _, s := range t.shards {
		s.mu.RLock()
		if len(s.entries) > 0 {
			st.Partitions++
		}
		for _, e := range s.entries {
			if e.State() == model.StateTombstone {
				st.Tombstones++
			} else {
				st.Entries++
			}
		}
		s.mu.RUnlock()
	}
	return st
}
