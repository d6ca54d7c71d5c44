package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/cache"
	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/engine"
	"github.com/latticeauth/edgegraph/internal/engine/mem"
	"github.com/latticeauth/edgegraph/internal/snapshot"
	"github.com/latticeauth/edgegraph/internal/transport"
)

// Config configures a Replica.
type Config struct {
	TenantID string
	// DialURL is the full ws(s):// URL of the tenant's /events endpoint,
	// e.g. "ws://coordinator:8080/tenant/acme/events".
	DialURL string

	// HopLimit bounds the BFS can() and findAllObjectsWhereSubjectCan()
	// perform over structural edges. Defaults to 10 hops.
	HopLimit int

	MaxPendingMutations int

	Cache cache.Config

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// DefaultConfig returns the conventional replica policy.
func DefaultConfig(tenantID, dialURL string) Config {
	return Config{
		TenantID:            tenantID,
		DialURL:             dialURL,
		HopLimit:            10,
		MaxPendingMutations: 1000,
		Cache:               cache.DefaultConfig(),
		ReconnectMinDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:   30 * time.Second,
	}
}

// Replica is a local embedded-engine mirror of one tenant's live edges
// (C8), answered through a query cache and kept current by optimistic
// local mutation plus a subscriber session to the coordinator (C9).
// Exported methods are safe for concurrent use.
type Replica struct {
	cfg    Config
	eng    engine.Engine
	cache  *cache.Cache
	logger *zap.Logger

	versionMu    sync.Mutex
	knownVersion uint64

	sessionMu sync.Mutex
	session   *transport.Session

	pendingMu sync.Mutex
	pending   map[string]*pendingMutation

	closeOnce sync.Once
	closeCh   chan struct{}
}

type neighbor struct {
	node   string
	edgeID string
}

// New constructs a Replica with the default in-process engine. Pass a
// non-nil eng to substitute another implementation. The replica's
// queries pass an empty pattern plus equality params, which
// internal/engine/mem interprets; internal/engine/dgraph runs the
// pattern as DQL and does not treat params as equality filters, so
// these queries do not work against it unchanged.
func New(cfg Config, eng engine.Engine, logger *zap.Logger) (*Replica, error) {
	if cfg.HopLimit <= 0 {
		cfg.HopLimit = 10
	}
	if cfg.MaxPendingMutations <= 0 {
		cfg.MaxPendingMutations = 1000
	}
	if eng == nil {
		eng = mem.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := cache.New(cfg.Cache, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("client: construct cache: %w", err)
	}
	return &Replica{
		cfg:     cfg,
		eng:     eng,
		cache:   c,
		logger:  logger.Named("client_replica"),
		pending: make(map[string]*pendingMutation),
		closeCh: make(chan struct{}),
	}, nil
}

// KnownVersion returns the highest mutation-log version this replica has
// applied.
func (r *Replica) KnownVersion() uint64 {
	r.versionMu.Lock()
	defer r.versionMu.Unlock()
	return r.knownVersion
}

func (r *Replica) setKnownVersion(v uint64) {
	r.versionMu.Lock()
	defer r.versionMu.Unlock()
	if v > r.knownVersion {
		r.knownVersion = v
	}
}

// LoadSnapshot replaces the replica's entire local edge mirror with the
// contents of the snapshot directory dir, and advances KnownVersion to
// the snapshot's version. Used on cold start and after a SNAPSHOT_REF
// message directs the replica to catch up via a full reload rather than
// a mutation-tail replay.
func (r *Replica) LoadSnapshot(ctx context.Context, dir string) error {
	manifest, edges, err := snapshot.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("client: load snapshot %s: %w", dir, err)
	}
	rows := make([]engine.Row, len(edges))
	for i, e := range edges {
		rows[i] = rowFromEdge(e)
	}
	if err := r.eng.BulkLoad(ctx, edgesRelation, rows); err != nil {
		return fmt.Errorf("client: bulk load snapshot: %w", err)
	}
	r.cache.InvalidateAll()
	r.setKnownVersion(manifest.Version)
	r.logger.Info("snapshot loaded", zap.Uint64("version", manifest.Version), zap.Int("edges", len(edges)))
	return nil
}

// ApplyMutation applies one server-confirmed mutation to the local
// engine mirror and advances KnownVersion. It is idempotent against
// replays of the same version: inserting a row with an ID already
// present is harmless duplication the cache invalidation below still
// covers correctly, and revoke-of-revoked is a no-op upstream already.
func (r *Replica) ApplyMutation(ctx context.Context, m transport.MutationPayload) error {
	switch m.Kind {
	case "CREATE":
		if err := r.eng.Insert(ctx, edgesRelation, rowFromEdge(&m.Edge)); err != nil {
			return fmt.Errorf("client: apply create: %w", err)
		}
	case "REVOKE":
		if err := r.eng.Delete(ctx, edgesRelation, engine.Row{"id": m.Edge.ID}); err != nil {
			return fmt.Errorf("client: apply revoke delete: %w", err)
		}
		if err := r.eng.Insert(ctx, edgesRelation, rowFromEdge(&m.Edge)); err != nil {
			return fmt.Errorf("client: apply revoke reinsert: %w", err)
		}
	default:
		return fmt.Errorf("client: unknown mutation kind %q", m.Kind)
	}
	r.invalidateForEdge(&m.Edge)
	r.setKnownVersion(m.Version)
	return nil
}

func (r *Replica) invalidateForEdge(e *edge.Edge) {
	r.cache.InvalidateForEdge(e)
}

// Can answers whether subject holds capability on object, consulting the
// cache first, then a direct-edge check, then a bounded breadth-first
// search over MEMBER_OF/INHERITS_FROM structural edges. The returned
// edge IDs, when allowed is true, are a valid proof chain suitable for
// Grant/Revoke's Proof argument.
func (r *Replica) Can(ctx context.Context, subject, capability, object string) (allowed bool, edgeIDs []string, err error) {
	key := cache.Key{Subject: subject, Capability: capability, Object: object}
	if e, ok := r.cache.Get(ctx, key); ok {
		return e.Allowed, e.EdgeIDs, nil
	}

	allowed, edgeIDs, err = r.computeCan(ctx, subject, capability, object)
	if err != nil {
		return false, nil, err
	}
	r.cache.Set(ctx, key, cache.Entry{Allowed: allowed, EdgeIDs: edgeIDs})
	return allowed, edgeIDs, nil
}

func (r *Replica) computeCan(ctx context.Context, subject, capability, object string) (bool, []string, error) {
	rows, err := r.eng.Query(ctx, edgesRelation, "", liveMatch(subject, object, edge.TypeHasPermission, capability))
	if err != nil {
		return false, nil, fmt.Errorf("client: query direct edge: %w", err)
	}
	if len(rows) > 0 {
		return true, []string{rows[0]["id"]}, nil
	}

	type frame struct {
		node string
		path []string
	}
	visited := map[string]bool{subject: true}
	frontier := []frame{{node: subject}}

	for hop := 0; hop < r.cfg.HopLimit && len(frontier) > 0; hop++ {
		var next []frame
		for _, f := range frontier {
			neighbors, err := r.structuralNeighbors(ctx, f.node)
			if err != nil {
				return false, nil, err
			}
			for _, n := range neighbors {
				if visited[n.node] {
					continue
				}
				visited[n.node] = true
				path := append(append([]string{}, f.path...), n.edgeID)

				termRows, err := r.eng.Query(ctx, edgesRelation, "", liveMatch(n.node, object, edge.TypeHasPermission, capability))
				if err != nil {
					return false, nil, fmt.Errorf("client: query terminal edge: %w", err)
				}
				if len(termRows) > 0 {
					return true, append(path, termRows[0]["id"]), nil
				}
				next = append(next, frame{node: n.node, path: path})
			}
		}
		frontier = next
	}
	return false, nil, nil
}

// structuralNeighbors returns every node directly reachable from node via
// a live MEMBER_OF or INHERITS_FROM edge, paired with the edge ID that
// reaches it.
func (r *Replica) structuralNeighbors(ctx context.Context, node string) ([]neighbor, error) {
	var out []neighbor
	for _, t := range []edge.Type{edge.TypeMemberOf, edge.TypeInheritsFrom} {
		rows, err := r.eng.Query(ctx, edgesRelation, "", liveMatch(node, "", t, ""))
		if err != nil {
			return nil, fmt.Errorf("client: query structural neighbors: %w", err)
		}
		for _, row := range rows {
			out = append(out, neighbor{node: row["targetId"], edgeID: row["id"]})
		}
	}
	return out, nil
}

// FindAllObjectsWhereSubjectCan returns every object ID subject can reach
// with capability, via direct grants and through the same bounded
// structural BFS Can uses. Order is not meaningful upstream; results are
// sorted for deterministic output.
func (r *Replica) FindAllObjectsWhereSubjectCan(ctx context.Context, subject, capability string) ([]string, error) {
	visited := map[string]bool{subject: true}
	frontier := []string{subject}
	objects := make(map[string]bool)

	for hop := 0; hop <= r.cfg.HopLimit && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			rows, err := r.eng.Query(ctx, edgesRelation, "", liveMatch(node, "", edge.TypeHasPermission, capability))
			if err != nil {
				return nil, fmt.Errorf("client: query permission edges: %w", err)
			}
			for _, row := range rows {
				objects[row["targetId"]] = true
			}

			neighbors, err := r.structuralNeighbors(ctx, node)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if !visited[n.node] {
					visited[n.node] = true
					next = append(next, n.node)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(objects))
	for o := range objects {
		out = append(out, o)
	}
	sort.Strings(out)
	return out, nil
}

// Close stops Run and, if connected, closes the transport session.
func (r *Replica) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	if r.session != nil {
		return r.session.Close()
	}
	return nil
}
