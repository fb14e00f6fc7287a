package store

import (
	"container/list"
	"fmt"
	"sync"

	"taskdeck-conflict-engine/internal/domain"
)

// VersionCache is a bounded LRU of loaded document versions keyed by
// (document id, revision token). Revisions are immutable, so entries
// never go stale; eviction is purely about memory.
type VersionCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	lruList  *list.List

	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key     string
	version *domain.DocumentVersion
}

func NewVersionCache(capacity int) *VersionCache {
	return &VersionCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

func versionKey(docID, rev string) string {
	return fmt.Sprintf("%s@%s", docID, rev)
}

func (c *VersionCache) Get(docID, rev string) (*domain.DocumentVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[versionKey(docID, rev)]
	if !ok {
		c.misses++
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	c.hits++
	return elem.Value.(*cacheEntry).version, true
}

func (c *VersionCache) Put(version *domain.DocumentVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := versionKey(version.DocID, version.Rev)
	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).version = version
		return
	}

	elem := c.lruList.PushFront(&cacheEntry{key: key, version: version})
	c.items[key] = elem

	for c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.lruList.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
}

func (c *VersionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *VersionCache) Stats() (hits, misses, evictions int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}
