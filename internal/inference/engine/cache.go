package engine

import (
	"encoding/binary"
	"math"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultCacheEntries = 128

type cacheEntry struct {
	input  []float32
	output []float32
}

// outputCache memoizes outputs by input content. Oldest entries are evicted first.
type outputCache struct {
	mu      sync.Mutex
	limit   int
	entries map[uint64]cacheEntry
	order   []uint64
}

func newOutputCache(limit int) *outputCache {
	if limit <= 0 {
		limit = defaultCacheEntries
	}
	return &outputCache{
		limit:   limit,
		entries: make(map[uint64]cacheEntry, limit),
	}
}

func cacheKey(input []float32) uint64 {
	buf := make([]byte, 4*len(input))
	for i, v := range input {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return xxhash.Sum64(buf)
}

func (c *outputCache) get(input []float32) ([]float32, bool) {
	key := cacheKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !slices.Equal(e.input, input) {
		return nil, false
	}
	return slices.Clone(e.output), true
}

func (c *outputCache) put(input, output []float32) {
	key := cacheKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{input: slices.Clone(input), output: slices.Clone(output)}
	for len(c.order) > c.limit {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *outputCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
