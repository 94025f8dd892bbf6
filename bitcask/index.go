package bitcask

import (
	"sync"

	"github.com/pro0o/kvs/types"
	"github.com/spaolacci/murmur3"
)

const indexShards = 32

// Index maps each key to the location of its latest record. Keys are spread
// over shards by MurmurHash3 so readers on different keys rarely contend.
type Index struct {
	shards [indexShards]indexShard
}

type indexShard struct {
	mu      sync.RWMutex
	entries map[string]types.IndexEntry
}

func NewIndex() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[string]types.IndexEntry)
	}
	return idx
}

func (idx *Index) shard(key string) *indexShard {
	return &idx.shards[murmur3.Sum64([]byte(key))%indexShards]
}

func (idx *Index) Get(key string) (types.IndexEntry, bool) {
	s := idx.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Put stores entry for key and returns what it replaced.
func (idx *Index) Put(key string, entry types.IndexEntry) (types.IndexEntry, bool) {
	s := idx.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[key]
	s.entries[key] = entry
	return prev, ok
}

// Len counts every entry, tombstones included.
func (idx *Index) Len() int {
	n := 0
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Live counts entries that are not tombstones.
func (idx *Index) Live() int {
	n := 0
	idx.Range(func(_ string, entry types.IndexEntry) bool {
		if !entry.Tombstone {
			n++
		}
		return true
	})
	return n
}

// Snapshot copies the live entries. Tombstones are left out.
func (idx *Index) Snapshot() map[string]types.IndexEntry {
	snap := make(map[string]types.IndexEntry)
	idx.Range(func(key string, entry types.IndexEntry) bool {
		if !entry.Tombstone {
			snap[key] = entry
		}
		return true
	})
	return snap
}

// Range calls fn for every entry until fn returns false. Each shard is read
// locked while it is visited, so fn must not write to the index.
func (idx *Index) Range(fn func(key string, entry types.IndexEntry) bool) {
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for key, entry := range s.entries {
			if !fn(key, entry) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
