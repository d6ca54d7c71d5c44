package edge

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// idSet is a small sorted-free set of edge IDs keyed by map for O(1)
// add/remove; iteration order does not matter to callers since the
// validator only ever looks up by ID.
type idSet map[string]struct{}

// UniqueConstraint, when non-nil, rejects a Create that would duplicate
// an existing live edge's (Type, SourceID, TargetID, capability) tuple.
// The store enforces none by default; uniqueness is left to the caller.
type UniqueConstraint func(existing []*Edge, typ Type, sourceID, targetID string, props map[string]string) bool

// Store is the in-memory authoritative edge set for one tenant. It is
// owned exclusively by that tenant's coordinator; callers outside the
// coordinator goroutine must not hold references into it across
// suspension points without going through Clone().
type Store struct {
	mu sync.RWMutex

	edges map[string]*Edge

	bySource map[string]idSet
	byTarget map[string]idSet
	byType   map[Type]idSet

	unique UniqueConstraint

	logger *zap.Logger
}

// New returns an empty edge store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		edges:    make(map[string]*Edge),
		bySource: make(map[string]idSet),
		byTarget: make(map[string]idSet),
		byType:   make(map[Type]idSet),
		logger:   logger.Named("edge_store"),
	}
}

// WithUniqueConstraint installs a uniqueness predicate evaluated by
// Create against the edges already indexed under the new edge's source.
func (s *Store) WithUniqueConstraint(u UniqueConstraint) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unique = u
	return s
}

// Create allocates a fresh unforgeable ID, inserts the edge, updates all
// secondary indexes, and returns a clone of the stored edge.
func (s *Store) Create(typ Type, sourceID, targetID string, properties map[string]string) (*Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unique != nil {
		existing := s.edgesFromLocked(sourceID)
		if s.unique(existing, typ, sourceID, targetID, properties) {
			return nil, &ConflictError{Type: typ, SourceID: sourceID, TargetID: targetID}
		}
	}

	e := &Edge{
		ID:         uuid.New().String(),
		Type:       typ,
		SourceID:   sourceID,
		TargetID:   targetID,
		Properties: properties,
		CreatedAt:  time.Now().UTC(),
	}
	s.edges[e.ID] = e
	s.index(e)

	s.logger.Debug("edge created",
		zap.String("id", e.ID),
		zap.String("type", string(typ)),
		zap.String("source", sourceID),
		zap.String("target", targetID))

	return e.Clone(), nil
}

// Put inserts a fully-formed edge as-is (used when replaying a snapshot
// or the mutation log, where the ID and CreatedAt already exist). It
// overwrites any prior entry with the same ID.
func (s *Store) Put(e *Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := e.Clone()
	s.edges[cp.ID] = cp
	s.index(cp)
}

func (s *Store) index(e *Edge) {
	s.addToIndex(s.bySource, e.SourceID, e.ID)
	s.addToIndex(s.byTarget, e.TargetID, e.ID)
	s.addToTypeIndex(e.Type, e.ID)
}

func (s *Store) addToIndex(idx map[string]idSet, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(idSet)
		idx[key] = set
	}
	set[id] = struct{}{}
}

func (s *Store) addToTypeIndex(typ Type, id string) {
	set, ok := s.byType[typ]
	if !ok {
		set = make(idSet)
		s.byType[typ] = set
	}
	set[id] = struct{}{}
}

// Revoke sets RevokedAt on the edge if not already set. Idempotent: a
// second call on an already-revoked edge is a no-op that returns the
// original revocation timestamp, never a new one.
func (s *Store) Revoke(id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	if e.RevokedAt != nil {
		return *e.RevokedAt, nil
	}
	now := time.Now().UTC()
	e.RevokedAt = &now
	s.logger.Debug("edge revoked", zap.String("id", id))
	return now, nil
}

// RevokeAt is like Revoke but stamps the supplied timestamp, used when
// replaying a REVOKE mutation-log entry whose `at` is authoritative.
func (s *Store) RevokeAt(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return ErrNotFound
	}
	if e.RevokedAt != nil {
		return nil
	}
	t := at.UTC()
	e.RevokedAt = &t
	return nil
}

// Get returns a clone of the edge with the given ID, or nil if absent.
func (s *Store) Get(id string) (*Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// NeighborsOut returns the IDs of edges whose SourceID equals the given
// node ID.
func (s *Store) NeighborsOut(nodeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.bySource[nodeID])
}

// NeighborsIn returns the IDs of edges whose TargetID equals the given
// node ID.
func (s *Store) NeighborsIn(nodeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byTarget[nodeID])
}

// ByType returns the IDs of all edges of the given type.
func (s *Store) ByType(typ Type) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byType[typ])
}

// All returns a clone of every edge in the store, live and revoked
// alike. Used by the snapshot writer.
func (s *Store) All() []*Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the total number of edges, live and revoked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

func (s *Store) edgesFromLocked(sourceID string) []*Edge {
	set := s.bySource[sourceID]
	out := make([]*Edge, 0, len(set))
	for id := range set {
		out = append(out, s.edges[id])
	}
	return out
}

func sortedKeys(set idSet) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
