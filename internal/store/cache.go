package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"overlayctl/internal/model"
)

// Cache is the fast lookup path in front of the durable store. It is
// an optimization only, never a source of truth: callers must treat
// any failure as a miss.
type Cache interface {
	Get(nodeID string) (model.Node, bool)
	Set(node model.Node)
	Invalidate(nodeID string)
}

// LRUCache bounds entries by count and TTL.
type LRUCache struct {
	lru *expirable.LRU[string, model.Node]
}

// NewLRUCache creates a cache holding up to size entries, each
// expiring ttl after insertion.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[string, model.Node](size, nil, ttl)}
}

func (c *LRUCache) Get(nodeID string) (model.Node, bool) {
	return c.lru.Get(nodeID)
}

func (c *LRUCache) Set(node model.Node) {
	c.lru.Add(node.ID, node)
}

func (c *LRUCache) Invalidate(nodeID string) {
	c.lru.Remove(nodeID)
}
