package checkout

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Gate remembers completed reconciliations for a while so repeated requests
// for the same key return the first result instead of running again.
// Concurrent requests for a key that is still running wait for and share the
// in-flight result.
type Gate struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]gateEntry
}

type gateEntry struct {
	result  Result
	expires time.Time
}

func NewGate(ttl time.Duration) *Gate {
	return &Gate{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]gateEntry),
	}
}

func (g *Gate) lookup(key string) (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return Result{}, false
	}
	if !g.now().Before(e.expires) {
		delete(g.entries, key)
		return Result{}, false
	}
	return e.result, true
}

func (g *Gate) store(key string, r Result) {
	g.mu.Lock()
	g.entries[key] = gateEntry{result: r, expires: g.now().Add(g.ttl)}
	g.mu.Unlock()
}

// Do runs fn once for key. replayed is true when the result came from an
// earlier or concurrent call. Results for which keep returns false are handed
// back but not remembered, so the next call runs fn again.
func (g *Gate) Do(key string, fn func() Result, keep func(Result) bool) (result Result, replayed bool) {
	if r, ok := g.lookup(key); ok {
		return r, true
	}

	ran := false
	v, _, _ := g.group.Do(key, func() (any, error) {
		if r, ok := g.lookup(key); ok {
			return r, nil
		}
		ran = true
		r := fn()
		if keep == nil || keep(r) {
			g.store(key, r)
		}
		return r, nil
	})
	return v.(Result), !ran
}

// Forget drops the remembered result for key.
func (g *Gate) Forget(key string) {
	g.mu.Lock()
	delete(g.entries, key)
	g.mu.Unlock()
}

// Sweep removes expired entries and returns how many it removed.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	n := 0
	for k, e := range g.entries {
		if !now.Before(e.expires) {
			delete(g.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of remembered results, expired or not.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
