package tenant

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/transport"
)

// Registry holds every tenant coordinator resident in this process and
// reaps idle ones, driving the READY -> DRAINING -> EVICTED transition.
// A tenant ID with no resident Coordinator is created lazily on first
// resolution, starting in state COLD; this is what lets
// Registry.Resolve double as the transport.Resolver the HTTP/WS server
// needs.
type Registry struct {
	mu     sync.Mutex
	coords map[string]*Coordinator

	configFor func(tenantID string) Config
	logger    *zap.Logger

	checkInterval time.Duration
	stopCh        chan struct{}
	stopped       bool
}

// NewRegistry constructs a Registry. configFor supplies per-tenant
// storage paths and policy on first touch of a tenant ID.
func NewRegistry(configFor func(tenantID string) Config, logger *zap.Logger) *Registry {
	r := &Registry{
		coords:        make(map[string]*Coordinator),
		configFor:     configFor,
		logger:        logger.Named("tenant_registry"),
		checkInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Resolve returns the coordinator for tenantID, creating it (in state
// COLD) if this is the first reference this process has seen. It
// satisfies transport.Resolver.
func (r *Registry) Resolve(tenantID string) (transport.Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.coords[tenantID]; ok {
		return c, true
	}
	c, err := New(r.configFor(tenantID), r.logger)
	if err != nil {
		r.logger.Error("failed to create tenant coordinator", zap.String("tenantId", tenantID), zap.Error(err))
		return nil, false
	}
	r.coords[tenantID] = c
	return c, true
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) reapOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.coords {
		if c.maybeEvict() {
			r.logger.Info("tenant evicted for inactivity", zap.String("tenantId", id))
			delete(r.coords, id)
		}
	}
}

// Stop halts the background reaper. Resident coordinators are left as
// they are; callers that want a clean shutdown should also call
// CloseAll.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
}

// CloseAll closes every resident coordinator's durable handles. Used on
// process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.coords {
		if err := c.Close(); err != nil {
			r.logger.Warn("error closing tenant coordinator", zap.String("tenantId", id), zap.Error(err))
		}
	}
}

// maybeEvict transitions a READY, sufficiently idle coordinator through
// DRAINING to EVICTED, discarding in-memory state and closing durable
// handles. The closed log is not reopened by this coordinator; durable
// state is reloaded by the new coordinator a later Resolve creates.
// Returns true if eviction happened, so the caller can drop it from the
// registry and let a future Resolve recreate it fresh from COLD.
func (c *Coordinator) maybeEvict() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != StateReady {
		return false
	}
	if time.Since(c.lastActivity) < c.cfg.IdleTimeout {
		return false
	}

	c.state = StateDraining
	c.hub.CloseAll()
	if err := c.audit.Close(); err != nil {
		c.logger.Warn("audit logger close on evict failed", zap.Error(err))
	}
	if err := c.mutLog.Close(); err != nil {
		c.logger.Warn("mutation log close on evict failed", zap.Error(err))
	}
	c.state = StateEvicted
	return true
}
