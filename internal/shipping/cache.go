package shipping

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// listCache keeps first pages of shipment listings per store. Any write for
// a store drops all of that store's entries.
type listCache struct {
	c *ttlcache.Cache[string, ListPage]
}

func newListCache(ttl time.Duration) *listCache {
	if ttl <= 0 {
		return &listCache{}
	}
	return &listCache{c: ttlcache.New(
		ttlcache.WithTTL[string, ListPage](ttl),
		ttlcache.WithDisableTouchOnHit[string, ListPage](),
	)}
}

func listKey(storeID string, f ListFilter) string {
	return fmt.Sprintf("%s|%s|%s|%s|%t|%d", storeID, f.OrderID, f.Status, f.Provider, f.Active, f.Limit)
}

func (l *listCache) get(storeID string, f ListFilter) (ListPage, bool) {
	if l.c == nil {
		return ListPage{}, false
	}
	item := l.c.Get(listKey(storeID, f))
	if item == nil {
		return ListPage{}, false
	}
	return item.Value(), true
}

func (l *listCache) set(storeID string, f ListFilter, page ListPage) {
	if l.c == nil {
		return
	}
	l.c.Set(listKey(storeID, f), page, ttlcache.DefaultTTL)
}

func (l *listCache) invalidate(storeID string) {
	if l.c == nil || storeID == "" {
		return
	}
	prefix := storeID + "|"
	for _, k := range l.c.Keys() {
		if strings.HasPrefix(k, prefix) {
			l.c.Delete(k)
		}
	}
}

// quoteCache memoizes provider rates by a hash of the request.
type quoteCache struct {
	c *ttlcache.Cache[uint64, []Rate]
}

func newQuoteCache(ttl time.Duration) *quoteCache {
	if ttl <= 0 {
		return &quoteCache{}
	}
	return &quoteCache{c: ttlcache.New(ttlcache.WithTTL[uint64, []Rate](ttl))}
}

func quoteKey(storeID, provider string, req QuoteRequest) uint64 {
	body, _ := json.Marshal(req)
	return fingerprint(storeID, provider, string(body))
}

func (q *quoteCache) get(key uint64) ([]Rate, bool) {
	if q.c == nil {
		return nil, false
	}
	item := q.c.Get(key)
	if item == nil {
		return nil, false
	}
	return append([]Rate(nil), item.Value()...), true
}

func (q *quoteCache) set(key uint64, rates []Rate) {
	if q.c == nil {
		return
	}
	q.c.Set(key, append([]Rate(nil), rates...), ttlcache.DefaultTTL)
}

func (q *quoteCache) purge() {
	if q.c != nil {
		q.c.DeleteAll()
	}
}

func startCache[K comparable, V any](c *ttlcache.Cache[K, V]) {
	if c != nil {
		go c.Start()
	}
}

func stopCache[K comparable, V any](c *ttlcache.Cache[K, V]) {
	if c != nil {
		c.Stop()
	}
}
