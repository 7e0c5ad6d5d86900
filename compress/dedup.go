package compress

import (
	"github.com/dgraph-io/ristretto"

	"github.com/hiveworks/swarmmem/core"
)

// DedupCache remembers fingerprints of deltas already gossiped so identical
// payloads are not re-sent. Backed by ristretto: admission may reject entries
// under pressure, which only costs a redundant send, never correctness.
type DedupCache struct {
	cache *ristretto.Cache
}

// NewDedupCache creates a cache remembering up to maxEntries fingerprints.
func NewDedupCache(maxEntries int64) (*DedupCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, &core.MemoryError{Op: "compress.NewDedupCache", Kind: "compress", Err: err}
	}
	return &DedupCache{cache: cache}, nil
}

// Seen reports whether the fingerprint was already marked.
func (d *DedupCache) Seen(fingerprint string) bool {
	_, ok := d.cache.Get(fingerprint)
	return ok
}

// Mark records a fingerprint as transmitted.
func (d *DedupCache) Mark(fingerprint string) {
	d.cache.Set(fingerprint, struct{}{}, 1)
}

// Close releases the cache's internal goroutines.
func (d *DedupCache) Close() {
	d.cache.Close()
}
