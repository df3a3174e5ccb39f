package cache

import (
	"sort"
	"sync"
	"time"
)

// Cache 通用 TTL 缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Size() int
}

// InMemoryCache 内存缓存实现（过期项在访问时惰性清理）
type InMemoryCache[K comparable, V any] struct {
	items      map[K]cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
	now        func() time.Time
}

type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		items:      make(map[K]cacheItem[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get 获取缓存值（过期视为不存在）
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || !c.now().Before(item.expiresAt) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认 TTL
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.evictExpiredLocked()
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Size 未过期的条目数
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	n := 0
	for _, item := range c.items {
		if now.Before(item.expiresAt) {
			n++
		}
	}
	return n
}

// Snapshot 返回所有未过期条目的副本
func (c *InMemoryCache[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make(map[K]V, len(c.items))
	for k, item := range c.items {
		if now.Before(item.expiresAt) {
			out[k] = item.value
		}
	}
	return out
}

func (c *InMemoryCache[K, V]) evictExpiredLocked() {
	now := c.now()
	for k, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, k)
		}
	}
}

// Quote 最新报价
type Quote struct {
	Symbol     string    `json:"symbol"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	ReceivedAt time.Time `json:"received_at"`
}

// Mid 中间价
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// QuoteCache 行情广播的最新报价缓存（只做观测用途，不参与对账）
type QuoteCache struct {
	cache *InMemoryCache[string, Quote]
	ttl   time.Duration
}

// NewQuoteCache 创建报价缓存，ttl <= 0 时默认 5 分钟
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QuoteCache{cache: NewInMemoryCache[string, Quote](ttl), ttl: ttl}
}

// Get 获取报价
func (qc *QuoteCache) Get(symbol string) (Quote, bool) {
	return qc.cache.Get(symbol)
}

// Set 更新报价
func (qc *QuoteCache) Set(q Quote) {
	qc.cache.Set(q.Symbol, q, qc.ttl)
}

// All 按品种排序返回所有未过期报价
func (qc *QuoteCache) All() []Quote {
	snap := qc.cache.Snapshot()
	out := make([]Quote, 0, len(snap))
	for _, q := range snap {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
