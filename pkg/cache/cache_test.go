package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCacheExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewInMemoryCache[string, int](time.Second)
	c.now = func() time.Time { return now }

	c.Set("a", 1, 0)
	c.Set("b", 2, 5*time.Second)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Size())

	now = now.Add(2 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, map[string]int{"b": 2}, c.Snapshot())

	c.Delete("b")
	assert.Equal(t, 0, c.Size())
}

func TestQuoteCacheAllSorted(t *testing.T) {
	qc := NewQuoteCache(0)
	qc.Set(Quote{Symbol: "XAUUSD", Bid: 2000, Ask: 2001})
	qc.Set(Quote{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002})
	qc.Set(Quote{Symbol: "EURUSD", Bid: 1.2, Ask: 1.2002})

	all := qc.All()
	if assert.Len(t, all, 2) {
		assert.Equal(t, "EURUSD", all[0].Symbol)
		assert.Equal(t, 1.2, all[0].Bid)
		assert.Equal(t, "XAUUSD", all[1].Symbol)
	}
	q, ok := qc.Get("XAUUSD")
	assert.True(t, ok)
	assert.InDelta(t, 2000.5, q.Mid(), 1e-9)
}
