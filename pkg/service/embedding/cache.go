package embedding

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// Cache stores embedding vectors by key with an explicit TTL. Swappable
// so tests can observe hits and production can tune eviction.
type Cache interface {
	Get(key string) ([]float32, bool)
	Set(key string, vector []float32, ttl time.Duration)
	Close()
}

// ristrettoCache is the production cache, cost-weighted by vector size
type ristrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache creates a TTL cache sized for maxVectors embeddings
// of roughly dimension floats each.
func NewRistrettoCache(maxVectors int, dimension int) (Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxVectors) * 10,
		MaxCost:     int64(maxVectors) * int64(dimension) * 4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create ristretto cache")
	}
	return &ristrettoCache{cache: cache}, nil
}

func (c *ristrettoCache) Get(key string) ([]float32, bool) {
	v, found := c.cache.Get(key)
	if !found {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (c *ristrettoCache) Set(key string, vector []float32, ttl time.Duration) {
	c.cache.SetWithTTL(key, vector, int64(len(vector))*4, ttl)
}

func (c *ristrettoCache) Close() {
	c.cache.Close()
}

// nopCache disables caching
type nopCache struct{}

// NewNopCache returns a cache that stores nothing
func NewNopCache() Cache { return &nopCache{} }

func (nopCache) Get(string) ([]float32, bool)         { return nil, false }
func (nopCache) Set(string, []float32, time.Duration) {}
func (nopCache) Close()                               {}
