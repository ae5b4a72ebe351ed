// Package secretcache memoizes shared-secret derivations (ECDH for NIP-04,
// conversation keys for NIP-44), keyed by peer public key. A derived secret
// is a function of the local secret key and the peer key, so every entry is
// dropped as soon as a different local key is used.
package secretcache

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of peers remembered per scheme.
const DefaultSize = 100

// Cache is a bounded least-recently-used map from peer to derived secret.
type Cache struct {
	entries *lru.Cache[string, []byte]
}

// New creates a cache holding at most size entries.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns the secret for peer and marks it most recently used.
func (c *Cache) Get(peer string) ([]byte, bool) {
	return c.entries.Get(peer)
}

// Set stores the secret for peer, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Set(peer string, secret []byte) {
	c.entries.Add(peer, secret)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries.Purge()
}

// Len reports the number of cached peers.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// DeriveFunc computes the secret shared between secretKey and peer.
type DeriveFunc func(secretKey, peer string) ([]byte, error)

// Deriver wraps a DeriveFunc with a Cache and clears the cache whenever it is
// asked to derive with a different secret key than the previous call.
type Deriver struct {
	mu      sync.Mutex
	cache   *Cache
	derive  DeriveFunc
	lastKey [sha256.Size]byte
	seen    bool
}

// NewDeriver creates a deriver with its own cache of the given size.
func NewDeriver(size int, derive DeriveFunc) (*Deriver, error) {
	cache, err := New(size)
	if err != nil {
		return nil, err
	}
	return &Deriver{cache: cache, derive: derive}, nil
}

// Derive returns the cached secret for (secretKey, peer) or computes it.
func (d *Deriver) Derive(secretKey, peer string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fp := sha256.Sum256([]byte(secretKey))
	if d.seen && subtle.ConstantTimeCompare(fp[:], d.lastKey[:]) != 1 {
		d.cache.Clear()
	}
	d.lastKey = fp
	d.seen = true

	if secret, ok := d.cache.Get(peer); ok {
		return secret, nil
	}
	secret, err := d.derive(secretKey, peer)
	if err != nil {
		return nil, err
	}
	d.cache.Set(peer, secret)
	return secret, nil
}

// Clear drops every cached secret.
func (d *Deriver) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Clear()
}

// Len reports the number of cached peers.
func (d *Deriver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
