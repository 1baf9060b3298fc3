package serving

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"txncat/ml"
)

type cacheEntry struct {
	prediction ml.Prediction
	// nil until an explanation has been computed for this text.
	explanation []ml.Contribution
}

// Cache memoizes predictions per artifact and normalized description. A
// zero or negative size disables it.
type Cache struct {
	lru *lru.Cache[string, cacheEntry]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

func cacheKey(artifactID, normalized string) string {
	return artifactID + "\x00" + normalized
}

func (c *Cache) get(key string) (cacheEntry, bool) {
	if c == nil || c.lru == nil {
		return cacheEntry{}, false
	}
	return c.lru.Get(key)
}

func (c *Cache) add(key string, entry cacheEntry) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(key, entry)
}

func (c *Cache) Purge() {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Purge()
}

func (c *Cache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
