package dedup

import (
	"unsafe"

	"github.com/coocood/freecache"
)

// minCacheBytes is the smallest size freecache accepts.
const minCacheBytes = 512 * 1024

type cache interface {
	Has(key string) bool
	Add(key string)
}

// newCache returns a freecache-backed positive cache of sizeBytes, or a
// noop cache when sizeBytes is not positive.
func newCache(sizeBytes int) cache {
	if sizeBytes <= 0 {
		return noopCache{}
	}
	return &freeCache{c: freecache.NewCache(max(sizeBytes, minCacheBytes))}
}

type freeCache struct {
	c *freecache.Cache
}

// keyBytes avoids a copy; freecache copies keys internally.
func keyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func (f *freeCache) Has(key string) bool {
	_, err := f.c.Get(keyBytes(key))
	return err == nil
}

// Add stores key without expiry. Records are never deleted, so a positive
// answer stays valid.
func (f *freeCache) Add(key string) {
	_ = f.c.Set(keyBytes(key), []byte{1}, 0)
}

type noopCache struct{}

func (noopCache) Has(string) bool { return false }
func (noopCache) Add(string)      {}
