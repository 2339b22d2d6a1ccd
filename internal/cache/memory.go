package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is the in-process tier: a bounded map with LRU eviction on
// capacity pressure and active expiry sweeps. Thread-safe.
type MemoryCache struct {
	mu          sync.Mutex
	items       map[string]*memoryItem
	lruList     *list.List
	maxItems    int
	maxMemory   int64
	currentSize int64

	hits      int64
	misses    int64
	evictions int64

	stopSweep chan struct{}
	stopOnce  sync.Once
	logger    *zap.Logger
}

type memoryItem struct {
	key        string
	entry      Entry
	size       int64
	lruElement *list.Element
}

// NewMemoryCache creates a memory tier bounded by item count and byte
// estimate.
func NewMemoryCache(maxItems int, maxMemory int64, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxItems <= 0 {
		maxItems = 10_000
	}
	if maxMemory <= 0 {
		maxMemory = 64 << 20
	}
	return &MemoryCache{
		items:     make(map[string]*memoryItem),
		lruList:   list.New(),
		maxItems:  maxItems,
		maxMemory: maxMemory,
		stopSweep: make(chan struct{}),
		logger:    logger,
	}
}

// Get retrieves an entry. Expired entries are removed and reported as
// misses.
func (c *MemoryCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return Entry{}, false
	}
	if item.entry.Expired(time.Now()) {
		c.removeItem(item)
		c.misses++
		return Entry{}, false
	}

	c.lruList.MoveToFront(item.lruElement)
	c.hits++
	return item.entry, true
}

// Set stores an entry, evicting least-recently-used items as needed.
func (c *MemoryCache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	itemSize := int64(len(key) + len(entry.Payload))
	if itemSize > c.maxMemory {
		c.logger.Warn("item too large for memory cache",
			zap.String("key", key),
			zap.Int64("size", itemSize),
		)
		return
	}

	if existing, ok := c.items[key]; ok {
		c.removeItem(existing)
	}

	for (c.currentSize+itemSize > c.maxMemory || len(c.items) >= c.maxItems) && c.lruList.Len() > 0 {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeItem(oldest.Value.(*memoryItem))
		c.evictions++
	}

	item := &memoryItem{key: key, entry: entry, size: itemSize}
	item.lruElement = c.lruList.PushFront(item)
	c.items[key] = item
	c.currentSize += itemSize
}

// Delete removes an entry if present.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok {
		c.removeItem(item)
	}
}

// ClearAll drops every entry.
func (c *MemoryCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*memoryItem)
	c.lruList = list.New()
	c.currentSize = 0
}

// ClearByPrefix drops entries whose key starts with prefix.
func (c *MemoryCache) ClearByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toDelete []*memoryItem
	for key, item := range c.items {
		if strings.HasPrefix(key, prefix) {
			toDelete = append(toDelete, item)
		}
	}
	for _, item := range toDelete {
		c.removeItem(item)
	}
	return len(toDelete)
}

// removeItem must be called with the lock held.
func (c *MemoryCache) removeItem(item *memoryItem) {
	if item.lruElement != nil {
		c.lruList.Remove(item.lruElement)
	}
	delete(c.items, item.key)
	c.currentSize -= item.size
}

// Len returns the current item count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// SizeBytes returns the current byte estimate.
func (c *MemoryCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Counters returns (hits, misses, evictions).
func (c *MemoryCache) Counters() (int64, int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}

// StartSweep launches the background expiry sweeper.
func (c *MemoryCache) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepExpired()
			case <-c.stopSweep:
				return
			}
		}
	}()
}

// StopSweep stops the background sweeper. Idempotent.
func (c *MemoryCache) StopSweep() {
	c.stopOnce.Do(func() { close(c.stopSweep) })
}

func (c *MemoryCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toRemove []*memoryItem
	for _, item := range c.items {
		if item.entry.Expired(now) {
			toRemove = append(toRemove, item)
		}
	}
	for _, item := range toRemove {
		c.removeItem(item)
	}
	if len(toRemove) > 0 {
		c.logger.Debug("swept expired cache items", zap.Int("count", len(toRemove)))
	}
}
