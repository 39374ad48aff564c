package plc

import (
	"context"
	"sync"
	"time"

	"github.com/ald-io/ald-agent/pkg/models"
	"golang.org/x/sync/singleflight"
)

// metadataCache is the parameter metadata cache owned by the gateway.
// Readers take a read-lock; writes (refresh/invalidate) take a write-lock.
// TTL defaults to 5 minutes per spec §5.
type metadataCache struct {
	mu       sync.RWMutex
	byID     map[string]models.Parameter
	loadedAt time.Time
	ttl      time.Duration
	load     MetadataLoader

	// group collapses concurrent refreshes triggered by refreshIfExpired
	// into a single database round trip: ActiveParameterIDs is called from
	// the sampler's tick path and can race with ReadParametersBulk's own
	// cache access once the TTL lapses.
	group singleflight.Group
}

func newMetadataCache(load MetadataLoader, ttl time.Duration) *metadataCache {
	return &metadataCache{
		byID: make(map[string]models.Parameter),
		ttl:  ttl,
		load: load,
	}
}

func (c *metadataCache) get(id string) (models.Parameter, bool) {
	c.mu.RLock()
	p, ok := c.byID[id]
	c.mu.RUnlock()
	return p, ok
}

func (c *metadataCache) active() []models.Parameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Parameter, 0, len(c.byID))
	for _, p := range c.byID {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

func (c *metadataCache) expired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.loadedAt) > c.ttl
}

// refresh reloads the full catalog from the database, replacing the cache
// contents wholesale.
func (c *metadataCache) refresh(ctx context.Context) error {
	params, err := c.load(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]models.Parameter, len(params))
	for _, p := range params {
		byID[p.ID] = p
	}
	c.mu.Lock()
	c.byID = byID
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// refreshIfExpired reloads only when the TTL has elapsed; cheap to call on
// every access from a hot path. Concurrent callers that observe the same
// expiry collapse onto one in-flight load via the singleflight group.
func (c *metadataCache) refreshIfExpired(ctx context.Context) {
	if !c.expired() {
		return
	}
	c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})
}

// invalidate forces the next refreshIfExpired call to reload. Nothing in
// this module calls it; parameter writes leave the cache as it is.
func (c *metadataCache) invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
