// Package mkdircache deduplicates `mkdir -p` requests for the same parent
// directory across process chains: a short-lived LRU keyed by path, the
// way spec §4.4 step 1 describes ("deduplicate against a short-lived cache
// to avoid re-issuing mkdirs for shared prefixes"). Backed by
// hashicorp/golang-lru/v2's expirable list, the same dependency the rest of
// the example pack reaches for whenever it needs a bounded, TTL'd cache
// instead of hand-rolling one (c.f. the teacher's pack-mate
// r3e-network-service_layer/infrastructure/cache, which hand-rolls the
// mutex+map version this package deliberately avoids).
package mkdircache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache remembers which directories have already been created recently.
type Cache struct {
	inner *lru.LRU[string, struct{}]
}

// New returns a Cache holding up to size entries for ttl each.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{inner: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen reports whether path was recorded recently and, if not, records it.
func (c *Cache) Seen(path string) bool {
	if _, ok := c.inner.Get(path); ok {
		return true
	}
	c.inner.Add(path, struct{}{})
	return false
}

// Filter returns the subset of paths not already Seen, marking all of them
// seen as a side effect (the caller is about to mkdir every one it gets
// back).
func (c *Cache) Filter(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !c.Seen(p) {
			out = append(out, p)
		}
	}
	return out
}
