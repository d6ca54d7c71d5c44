package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/audit"
	"github.com/latticeauth/edgegraph/internal/cache"
	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/mutationlog"
	"github.com/latticeauth/edgegraph/internal/snapshot"
	"github.com/latticeauth/edgegraph/internal/transport"
	"github.com/latticeauth/edgegraph/internal/validate"
)

// State is one of the five coordinator lifecycle states.
type State string

const (
	StateCold         State = "COLD"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateDraining     State = "DRAINING"
	StateEvicted      State = "EVICTED"
)

// Config configures a Coordinator.
type Config struct {
	TenantID string

	MutationLogPath string
	SnapshotDir     string

	IdleTimeout      time.Duration
	SnapshotEveryN   int // refresh the snapshot after this many accepted mutations
	SnapshotInterval time.Duration

	AuditConfig    audit.Config
	AuditColdSink  audit.ColdSink
	AuditSearch    *audit.SearchIndex

	CacheConfig cache.Config

	Workflow *WorkflowService // optional; nil falls back to inline async refresh
}

// DefaultConfig returns sane defaults for everything but TenantID,
// MutationLogPath, and SnapshotDir, which callers must supply.
func DefaultConfig(tenantID, mutationLogPath, snapshotDir string) Config {
	return Config{
		TenantID:         tenantID,
		MutationLogPath:  mutationLogPath,
		SnapshotDir:      snapshotDir,
		IdleTimeout:      30 * time.Minute,
		SnapshotEveryN:   500,
		SnapshotInterval: 5 * time.Minute,
		AuditConfig:      audit.DefaultConfig(),
		CacheConfig:      cache.DefaultConfig(),
	}
}

// createLogPayload is what a CREATE mutation-log entry's Payload
// unmarshals into: the full edge, so replay needs no further lookups.
type createLogPayload struct {
	Edge edge.Edge `json:"edge"`
}

// revokeLogPayload is what a REVOKE mutation-log entry's Payload
// unmarshals into.
type revokeLogPayload struct {
	RevokedAt time.Time `json:"revokedAt"`
}

// Coordinator is the single-writer state machine owning one tenant's
// edge store, mutation log, audit log, snapshot store, and subscriber
// hub. All exported methods are safe for concurrent use; internally,
// mutation application is serialized on writeMu so there is exactly one
// logical writer per tenant.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	stateMu      sync.Mutex
	state        State
	lastActivity time.Time

	writeMu           sync.Mutex
	sinceLastSnapshot int
	lastSnapshotAt    time.Time

	edges     *edge.Store
	validator *validate.Validator
	mutLog    *mutationlog.Log
	audit     *audit.Logger
	snapshots *snapshot.Store
	cache     *cache.Cache
	hub       *transport.Hub
}

var _ transport.Tenant = (*Coordinator)(nil)

// New constructs a Coordinator in state COLD. No disk I/O happens until
// the first call that requires the tenant to be READY.
func New(cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SnapshotEveryN == 0 {
		cfg.SnapshotEveryN = 500
	}
	logger = logger.Named("tenant_coordinator").With(zap.String("tenantId", cfg.TenantID))

	mutLog, err := mutationlog.Open(cfg.MutationLogPath)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: open mutation log: %w", cfg.TenantID, err)
	}
	snapStore, err := snapshot.New(snapshot.DefaultConfig(cfg.SnapshotDir), logger)
	if err != nil {
		mutLog.Close()
		return nil, fmt.Errorf("tenant %s: open snapshot store: %w", cfg.TenantID, err)
	}
	auditLogger := audit.New(cfg.AuditConfig, cfg.AuditColdSink, nil, cfg.AuditSearch, logger)
	queryCache, err := cache.New(cfg.CacheConfig, nil, logger)
	if err != nil {
		mutLog.Close()
		return nil, fmt.Errorf("tenant %s: create cache: %w", cfg.TenantID, err)
	}

	edges := edge.New(logger)
	c := &Coordinator{
		cfg:       cfg,
		logger:    logger,
		state:     StateCold,
		edges:     edges,
		validator: validate.New(edges),
		mutLog:    mutLog,
		audit:     auditLogger,
		snapshots: snapStore,
		cache:     queryCache,
		hub:       transport.NewHub(logger, nil),
	}
	return c, nil
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Hub returns the subscriber hub, satisfying transport.Tenant.
func (c *Coordinator) Hub() *transport.Hub {
	return c.hub
}

// touch records activity and, on a COLD or EVICTED tenant, attempts the
// COLD/EVICTED -> INITIALIZING -> READY transition. An EVICTED
// coordinator's mutation log has been closed by maybeEvict, so that
// attempt fails and the state stays EVICTED; the Registry replaces
// evicted coordinators with fresh COLD ones instead.
func (c *Coordinator) touch() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.lastActivity = time.Now()

	switch c.state {
	case StateReady:
		return nil
	case StateCold, StateEvicted:
		c.state = StateInitializing
		if err := c.initializeLocked(); err != nil {
			// Fatal errors keep the coordinator out of READY.
			c.state = StateEvicted
			return err
		}
		c.state = StateReady
		return nil
	case StateInitializing:
		return nil
	case StateDraining:
		// A request arrived mid-drain; cancel the drain and stay resident.
		c.state = StateReady
		return nil
	}
	return nil
}

// initializeLocked performs the COLD -> INITIALIZING body: load the
// latest snapshot, replay the log tail, run schema migrations. Called
// with stateMu held.
func (c *Coordinator) initializeLocked() error {
	manifest, snapEdges, err := c.snapshots.LoadLatest()
	if err != nil {
		return fmt.Errorf("tenant %s: load snapshot: %w", c.cfg.TenantID, err)
	}
	c.edges = edge.New(c.logger)
	for _, e := range snapEdges {
		c.edges.Put(e)
	}
	c.validator = validate.New(c.edges)

	tail, err := c.mutLog.Tail(manifest.Version)
	if err != nil {
		return fmt.Errorf("tenant %s: read log tail: %w", c.cfg.TenantID, err)
	}
	for _, entry := range tail {
		if err := c.applyLogEntry(entry); err != nil {
			return fmt.Errorf("tenant %s: replay entry v%d: %w", c.cfg.TenantID, entry.Version, err)
		}
	}

	persisted, err := c.mutLog.SchemaVersion()
	if err != nil {
		return fmt.Errorf("tenant %s: read schema version: %w", c.cfg.TenantID, err)
	}
	if persisted < CurrentSchemaVersion {
		reached, err := runMigrations(c.edges, persisted)
		if err != nil {
			return err
		}
		if err := c.mutLog.SetSchemaVersion(reached); err != nil {
			return fmt.Errorf("tenant %s: persist schema version: %w", c.cfg.TenantID, err)
		}
	}

	c.logger.Info("tenant initialized", zap.Uint64("snapshotVersion", manifest.Version), zap.Int("replayed", len(tail)))
	return nil
}

func (c *Coordinator) applyLogEntry(entry mutationlog.Entry) error {
	switch entry.Kind {
	case mutationlog.KindCreate:
		var p createLogPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		c.edges.Put(&p.Edge)
	case mutationlog.KindRevoke:
		var p revokeLogPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return c.edges.RevokeAt(entry.EdgeID, p.RevokedAt)
	}
	return nil
}

// Check runs the path validator on a submitted proof and records the
// outcome to the audit log.
func (c *Coordinator) Check(ctx context.Context, edgeIDs []string, subjectID, objectID, capability string) validate.Result {
	if err := c.touch(); err != nil {
		return validate.Result{Valid: false, Code: validate.CodeInvalidProof}
	}
	result := c.validator.Validate(edgeIDs, subjectID, objectID, capability)
	c.audit.LogCheck(ctx, c.cfg.TenantID, subjectID, objectID, capability, edgeIDs, result.Valid, string(result.Code), checkReason(result))
	return result
}

func checkReason(r validate.Result) string {
	if r.Valid {
		return "chain validated"
	}
	return string(r.Code)
}
