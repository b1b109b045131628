package store

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LookupCache memoizes non-critical lookups, currently the last balance each
// provider reported. Values here feed operator-facing snapshots and events
// only; nothing that decides whether a device gets recharged may come from
// this cache.
type LookupCache struct {
	c *gocache.Cache
}

func NewLookupCache() *LookupCache {
	return &LookupCache{c: gocache.New(10*time.Minute, 30*time.Minute)}
}

func (lc *LookupCache) GetFloat64(key string) (float64, bool) {
	v, ok := lc.c.Get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (lc *LookupCache) SetFloat64(key string, value float64) {
	lc.c.SetDefault(key, value)
}
