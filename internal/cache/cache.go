// Package cache provides the "known item" and short-id eviction caches used
// across the gateway (known-block/known-tx per-peer sets, blocks-seen,
// recovery bookkeeping). It generalizes the teacher's common.Cache /
// CacheConfiger pattern (common/cache.go): a Cache is built from a Config,
// and multiple backing strategies share one interface.
package cache

import (
	"container/list"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is the minimal interface every backing strategy implements,
// mirroring the teacher's common.Cache.
type Cache interface {
	Add(key, value interface{}) (evicted bool)
	Get(key interface{}) (value interface{}, ok bool)
	Contains(key interface{}) bool
	Remove(key interface{})
	Len() int
	Purge()
}

// Config builds a Cache, mirroring the teacher's CacheConfiger.
type Config interface {
	New() (Cache, error)
}

// LRUConfig backs a Cache with a bounded least-recently-used eviction
// policy, grounded on the teacher's LRUConfig using hashicorp/golang-lru --
// the same library the teacher depends on.
type LRUConfig struct {
	Size int
}

func (c LRUConfig) New() (Cache, error) {
	l, err := lru.New(c.Size)
	if err != nil {
		return nil, err
	}
	return &lruCache{l}, nil
}

type lruCache struct{ l *lru.Cache }

func (c *lruCache) Add(k, v interface{}) bool      { return c.l.Add(k, v) }
func (c *lruCache) Get(k interface{}) (interface{}, bool) { return c.l.Get(k) }
func (c *lruCache) Contains(k interface{}) bool     { return c.l.Contains(k) }
func (c *lruCache) Remove(k interface{})            { c.l.Remove(k) }
func (c *lruCache) Len() int                        { return c.l.Len() }
func (c *lruCache) Purge()                          { c.l.Purge() }

// FIFOCacheConfig backs a Cache with strict insertion-order eviction: the
// oldest entry is dropped once Size is exceeded, regardless of access
// pattern. This is the policy node/cn/peer.go's knownTxsCache/
// knownBlocksCache rely on (common.FIFOCacheConfig in the teacher, not
// present in this retrieval pack, reconstructed here from its call sites).
type FIFOCacheConfig struct {
	CacheSize int
}

func (c FIFOCacheConfig) New() (Cache, error) {
	return &fifoCache{
		limit:   c.CacheSize,
		entries: make(map[interface{}]*list.Element),
		order:   list.New(),
	}, nil
}

type fifoEntry struct {
	key, value interface{}
}

type fifoCache struct {
	mu      sync.Mutex
	limit   int
	entries map[interface{}]*list.Element
	order   *list.List
}

func (c *fifoCache) Add(key, value interface{}) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*fifoEntry).value = value
		return false
	}

	el := c.order.PushBack(&fifoEntry{key, value})
	c.entries[key] = el

	if c.limit > 0 && c.order.Len() > c.limit {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*fifoEntry).key)
			evicted = true
		}
	}
	return evicted
}

func (c *fifoCache) Get(key interface{}) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*fifoEntry).value, true
}

func (c *fifoCache) Contains(key interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *fifoCache) Remove(key interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

func (c *fifoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *fifoCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[interface{}]*list.Element)
	c.order.Init()
}

// New builds a Cache from a Config, mirroring the teacher's NewCache(config).
func New(cfg Config) (Cache, error) {
	return cfg.New()
}
