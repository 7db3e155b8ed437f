package synccache

import (
	"sync"
	"time"
)

// localCache is the in-memory record map, authoritative for the current
// process only. It has no persistence of its own; ground truth is the remote
// store plus any committed local write, and the map starts empty on every
// process restart.
//
// A single RWMutex guards the whole map. That serializes updates for
// unrelated keys, which is an acceptable tradeoff at the small, bounded blob
// counts this cache is built for. Entries are never evicted for memory
// pressure; callers targeting many or large blobs should add bounded LRU
// eviction as an explicit extension.
type localCache struct {
	mu      sync.RWMutex
	records map[Key]Record
}

func newLocalCache() *localCache {
	return &localCache{records: make(map[Key]Record)}
}

// Get returns a copy of the record for key. Mutating the returned record or
// its payload does not affect the cache.
func (c *localCache) Get(key Key) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[key]
	if !ok {
		return nil, false
	}
	out := rec
	out.Payload = append([]byte(nil), rec.Payload...)
	return &out, true
}

// Set replaces the record for key with a confirmed payload.
func (c *localCache) Set(key Key, payload []byte, origin Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[key] = Record{
		Key:          key,
		Payload:      append([]byte(nil), payload...),
		LastModified: time.Now(),
		Origin:       origin,
	}
}

// Delete removes the record for key. Deleting a missing key is a no-op.
func (c *localCache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.records, key)
}

// Len returns the number of cached records.
func (c *localCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.records)
}
