package client

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	neuralguard "github.com/Paranoid-AF/neuralguard"
)

const cacheCapacity = 4096

// resultCache is a TTL cache of verdicts keyed by a hash of the text.
// A nil *resultCache is a valid, always-empty cache.
type resultCache struct {
	cache    *ttlcache.Cache[string, neuralguard.Result]
	stopOnce sync.Once
}

func newResultCache(ttl time.Duration) *resultCache {
	c := ttlcache.New[string, neuralguard.Result](
		ttlcache.WithTTL[string, neuralguard.Result](ttl),
		ttlcache.WithCapacity[string, neuralguard.Result](cacheCapacity),
		ttlcache.WithDisableTouchOnHit[string, neuralguard.Result](),
	)
	go c.Start()
	return &resultCache{cache: c}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *resultCache) get(text string) (*neuralguard.Result, bool) {
	if c == nil {
		return nil, false
	}
	item := c.cache.Get(cacheKey(text))
	if item == nil {
		return nil, false
	}
	res := item.Value()
	return &res, true
}

func (c *resultCache) set(text string, res *neuralguard.Result) {
	if c == nil {
		return
	}
	c.cache.Set(cacheKey(text), *res, ttlcache.DefaultTTL)
}

func (c *resultCache) len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// close stops the expiration loop. It is safe to call more than once.
func (c *resultCache) close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(c.cache.Stop)
}
