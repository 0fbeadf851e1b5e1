package dataset

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/densemark/uvtrain/training"
)

// sampleCache keeps recently assembled samples so repeated epochs over the
// same data do not rebuild their tensors. Entries are evicted least recently
// used once the capacity is reached.
type sampleCache struct {
	mu       sync.Mutex
	entries  map[int]*list.Element
	order    *list.List
	capacity int

	hits   int64
	misses int64
}

type cacheEntry struct {
	index  int
	sample *training.Sample
}

func newSampleCache(capacity int) *sampleCache {
	return &sampleCache{
		entries:  make(map[int]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// get retrieves a cached sample and marks it most recently used
func (c *sampleCache) get(index int) (*training.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[index]; exists {
		c.order.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).sample, true
	}

	c.misses++
	return nil, false
}

// put stores a sample, evicting the least recently used entry when full
func (c *sampleCache) put(index int, sample *training.Sample) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[index]; exists {
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{index: index, sample: sample})
	c.entries[index] = elem

	for len(c.entries) > c.capacity && c.order.Len() > 0 {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).index)
	}
}

func (c *sampleCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[int]*list.Element)
	c.order = list.New()
}

func (c *sampleCache) snapshot() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:     len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats reports how the sample cache has been performing.
type CacheStats struct {
	Size     int
	Capacity int
	Hits     int64
	Misses   int64
	HitRate  float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d samples, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.Capacity, cs.Hits, cs.Misses, cs.HitRate)
}
