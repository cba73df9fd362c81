package rpc

import (
	"sync"
	"time"

	"github.com/duskmesh/dht/internal/id"
	"golang.org/x/time/rate"
)

// requestsPerSecond and requestBurst bound how many inbound requests a
// single remote identity may issue, protecting the task engine and
// storage layer from a single misbehaving or flooding peer.
const (
	requestsPerSecond = 20
	requestBurst      = 40
)

// limiterIdleTTL is how long a per-peer limiter may sit unused before
// limiterCache.sweep reclaims it.
const limiterIdleTTL = 10 * time.Minute

// limiterCache holds one token-bucket rate.Limiter per remote identity,
// applied to inbound request admission instead of byte throughput.
type limiterCache struct {
	mu     sync.Mutex
	byPeer map[id.Id]*limiterEntry
}

type limiterEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

func newLimiterCache() *limiterCache {
	return &limiterCache{byPeer: make(map[id.Id]*limiterEntry)}
}

// Allow reports whether a request from peer should be admitted,
// creating that peer's limiter on first contact.
func (c *limiterCache) Allow(peer id.Id) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byPeer[peer]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst)}
		c.byPeer[peer] = e
	}
	e.lastUse = time.Now()
	return e.limiter.Allow()
}

// sweep evicts limiters idle longer than limiterIdleTTL, returning the
// number removed.
func (c *limiterCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for peer, e := range c.byPeer {
		if time.Since(e.lastUse) > limiterIdleTTL {
			delete(c.byPeer, peer)
			evicted++
		}
	}
	return evicted
}
