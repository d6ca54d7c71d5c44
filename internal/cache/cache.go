// Package cache implements the query cache (component C9): an LRU of
// recent permission answers consulted before any local graph query, with
// invalidation on every mutation the client replica applies. Grounded on
// the two-tier L1 (in-process, Ristretto) / L2 (shared, Redis) design
// from the original kernel's cache package.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/edge"
)

// Key identifies one cached permission answer.
type Key struct {
	Subject    string
	Capability string
	Object     string
}

func (k Key) cacheKey() string {
	return k.Subject + "\x1f" + k.Capability + "\x1f" + k.Object
}

// Entry is a cached answer: whether the chain exists, and (if so) the
// edge IDs of one witnessing chain — the proof the client can hand back
// to a caller, or submit alongside a mutation request.
type Entry struct {
	Allowed    bool      `json:"allowed"`
	EdgeIDs    []string  `json:"edgeIds,omitempty"`
	InsertedAt time.Time `json:"insertedAt"`
}

// Config configures a Cache.
type Config struct {
	MaxCost int64
	TTL     time.Duration
}

// DefaultConfig returns sensible defaults: 10k items, 5 minute TTL.
func DefaultConfig() Config {
	return Config{MaxCost: 10000, TTL: 5 * time.Minute}
}

// Cache is the client-side query cache. L2 (redis) is optional and
// meant for processes on one host sharing cached answers (e.g. a
// sidecar pool of workers reading the same tenant); a bare client
// replica runs with L2 nil.
type Cache struct {
	l1     *ristretto.Cache[string, Entry]
	l2     *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	// bySubject/byObject index which cache keys touch a given subject or
	// object, so Invalidate* can evict precisely instead of scanning.
	// Ristretto itself offers no enumeration API.
	mu        sync.Mutex
	bySubject map[string]map[string]struct{}
	byObject  map[string]map[string]struct{}
}

// New constructs a Cache. l2 may be nil.
func New(cfg Config, l2 *redis.Client, logger *zap.Logger) (*Cache, error) {
	if cfg.MaxCost == 0 {
		cfg.MaxCost = 10000
	}
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	l1, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters: cfg.MaxCost * 10,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: create ristretto cache: %w", err)
	}
	return &Cache{
		l1:        l1,
		l2:        l2,
		ttl:       cfg.TTL,
		logger:    logger.Named("query_cache"),
		bySubject: make(map[string]map[string]struct{}),
		byObject:  make(map[string]map[string]struct{}),
	}, nil
}

// Get returns a cached answer if present and not expired. A hit within
// TTL is returned directly without consulting the local replica.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool) {
	ck := key.cacheKey()
	if e, found := c.l1.Get(ck); found {
		if time.Since(e.InsertedAt) <= c.ttl {
			return e, true
		}
		c.evict(ck, key)
		return Entry{}, false
	}
	if c.l2 == nil {
		return Entry{}, false
	}
	data, err := c.l2.Get(ctx, ck).Bytes()
	if err != nil || len(data) == 0 {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false
	}
	if time.Since(e.InsertedAt) > c.ttl {
		return Entry{}, false
	}
	c.store(ck, key, e)
	return e, true
}

// Set stores an answer and records it in the subject/object invalidation
// indices.
func (c *Cache) Set(ctx context.Context, key Key, e Entry) {
	if e.InsertedAt.IsZero() {
		e.InsertedAt = time.Now().UTC()
	}
	ck := key.cacheKey()
	c.store(ck, key, e)

	if c.l2 != nil {
		data, err := json.Marshal(e)
		if err == nil {
			if err := c.l2.Set(ctx, ck, data, c.ttl).Err(); err != nil {
				c.logger.Warn("cache: L2 set failed", zap.Error(err))
			}
		}
	}
}

func (c *Cache) store(ck string, key Key, e Entry) {
	c.l1.Set(ck, e, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	addToIndex(c.bySubject, key.Subject, ck)
	addToIndex(c.byObject, key.Object, ck)
}

func (c *Cache) evict(ck string, key Key) {
	c.l1.Del(ck)
	c.mu.Lock()
	defer c.mu.Unlock()
	removeFromIndex(c.bySubject, key.Subject, ck)
	removeFromIndex(c.byObject, key.Object, ck)
}

// InvalidateObject drops every cached entry whose Object equals the
// given ID. Safe to call for a mutation on a terminal, capability-
// carrying edge (edge.TypeHasPermission): by the one-capability-per-edge
// convention, such an edge only ever appears as the terminal hop of a
// valid chain, so a mutation to it can only change the truth of answers
// keyed by its own TargetID.
func (c *Cache) InvalidateObject(object string) {
	c.mu.Lock()
	keys := c.byObject[object]
	delete(c.byObject, object)
	c.mu.Unlock()

	for ck := range keys {
		c.l1.Del(ck)
		if c.l2 != nil {
			c.l2.Del(context.Background(), ck)
		}
	}
}

// InvalidateAll drops every cached entry. Required for mutations to
// structural edges (MEMBER_OF, INHERITS_FROM): such an edge can sit
// anywhere in a chain, so it can change the truth of an answer for any
// subject/object pair reachable through it, not only its own endpoints —
// object-scoped invalidation alone cannot be proven correct for those
// types, so a full clear is the provably-correct choice.
func (c *Cache) InvalidateAll() {
	c.l1.Clear()
	c.mu.Lock()
	c.bySubject = make(map[string]map[string]struct{})
	c.byObject = make(map[string]map[string]struct{})
	c.mu.Unlock()
	if c.l2 != nil {
		// Wipes the entire Redis logical database, not just this cache's
		// keys. Only safe because L2 is assumed dedicated to this tenant's
		// co-located client replicas, never a shared instance also used
		// for other state.
		c.l2.FlushDB(context.Background())
	}
}

// InvalidateForEdge applies the correct policy for a given mutated
// edge: object-scoped for terminal grant edges, global otherwise.
func (c *Cache) InvalidateForEdge(e *edge.Edge) {
	if e.Type == edge.TypeHasPermission {
		c.InvalidateObject(e.TargetID)
		return
	}
	c.InvalidateAll()
}

func addToIndex(idx map[string]map[string]struct{}, key, ck string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[ck] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, ck string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, ck)
	if len(set) == 0 {
		delete(idx, key)
	}
}
