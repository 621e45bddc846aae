package server

import (
	"encoding/hex"
	"fmt"
	"hash"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"golang.org/x/crypto/blake2b"

	"github.com/ollama/cudartc/api"
)

// artifactCache keeps the most recent successful compiles, evicting the
// oldest entry first. A cache of size zero stores nothing.
type artifactCache struct {
	mu      sync.Mutex
	size    int
	entries *linkedhashmap.Map
}

func newArtifactCache(size int) *artifactCache {
	return &artifactCache{size: size, entries: linkedhashmap.New()}
}

// Get returns a copy of the cached response marked as cached.
func (c *artifactCache) Get(key string) (*api.CompileResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}

	resp := *v.(*api.CompileResponse)
	resp.Cached = true
	return &resp, true
}

func (c *artifactCache) Put(key string, resp *api.CompileResponse) {
	if c.size <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// re-inserting moves the key to the back
	c.entries.Remove(key)
	c.entries.Put(key, resp)

	for c.entries.Size() > c.size {
		it := c.entries.Iterator()
		if !it.First() {
			break
		}
		c.entries.Remove(it.Key())
	}
}

func (c *artifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Size()
}

// cacheKey digests everything that can change the compiler's output.
// Strings are length prefixed so adjacent fields cannot run together.
func cacheKey(req *api.CompileRequest, options []string) string {
	h, _ := blake2b.New256(nil)

	write := func(h hash.Hash, s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}

	write(h, req.Name)
	write(h, req.Source)

	fmt.Fprintf(h, "headers:%d;", len(req.Headers))
	for _, header := range req.Headers {
		write(h, header.Name)
		write(h, header.Source)
	}

	fmt.Fprintf(h, "expressions:%d;", len(req.NameExpressions))
	for _, expr := range req.NameExpressions {
		write(h, expr)
	}

	fmt.Fprintf(h, "options:%d;", len(options))
	for _, opt := range options {
		write(h, opt)
	}

	fmt.Fprintf(h, "cubin:%t", req.CUBIN)
	return hex.EncodeToString(h.Sum(nil))
}
