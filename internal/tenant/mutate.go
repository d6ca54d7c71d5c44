package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/audit"
	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/mutationlog"
	"github.com/latticeauth/edgegraph/internal/transport"
	"github.com/latticeauth/edgegraph/internal/validate"
)

// Capabilities a proof must carry to authorize a write. A grant requires
// proof of a "grant" capability on the target object; a revoke requires
// "revoke" — a proof lacking that capability on the target is rejected
// as not authorized to perform the write.
const (
	mutationCapabilityGrant  = "grant"
	mutationCapabilityRevoke = "revoke"
)

// Mutate implements the eight-step validate-then-append-then-broadcast
// mutation protocol. It satisfies transport.Tenant.
func (c *Coordinator) Mutate(ctx context.Context, kind string, payload json.RawMessage, proof *transport.Proof, idempotencyKey string) (uint64, *transport.ErrorPayload) {
	if err := c.touch(); err != nil {
		return 0, &transport.ErrorPayload{Code: transport.ErrSchemaMigrationInProgress, Message: err.Error()}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if prior, found, err := c.mutLog.Lookup(idempotencyKey); err == nil && found {
		return prior.Version, nil
	}

	switch kind {
	case string(mutationlog.KindCreate):
		return c.applyCreate(ctx, payload, proof, idempotencyKey)
	case string(mutationlog.KindRevoke):
		return c.applyRevoke(ctx, payload, proof, idempotencyKey)
	default:
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "unknown mutation kind: " + kind}
	}
}

func (c *Coordinator) applyCreate(ctx context.Context, payload json.RawMessage, proof *transport.Proof, idempotencyKey string) (uint64, *transport.ErrorPayload) {
	var req transport.CreateEdgePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "malformed CREATE payload"}
	}
	if proof == nil {
		c.audit.LogMutation(ctx, c.cfg.TenantID, nil, audit.OutcomeDenied, "missing proof")
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "CREATE requires a proof of grant capability"}
	}

	result := c.validator.Validate(proof.EdgeIDs, proof.SubjectID, req.TargetID, mutationCapabilityGrant)
	if !result.Valid {
		c.audit.LogCheck(ctx, c.cfg.TenantID, proof.SubjectID, req.TargetID, mutationCapabilityGrant, proof.EdgeIDs, false, string(result.Code), "mutation authorization failed")
		return 0, errorFromValidateCode(result)
	}

	e, err := c.edges.Create(req.Type, req.SourceID, req.TargetID, req.Properties)
	if err != nil {
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: err.Error()}
	}

	entry, _, err := c.mutLog.Append(mutationlog.KindCreate, e.ID, createLogPayload{Edge: *e}, idempotencyKey)
	if err != nil {
		c.logger.Error("mutation log append failed", zap.Error(err))
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "durable append failed"}
	}

	c.audit.LogMutation(ctx, c.cfg.TenantID, []string{e.ID}, audit.OutcomeAllowed, "edge created")
	c.cache.InvalidateForEdge(e)
	c.hub.Broadcast(entry.Version, string(mutationlog.KindCreate), e)
	c.afterMutation(ctx, entry.Version)
	return entry.Version, nil
}

func (c *Coordinator) applyRevoke(ctx context.Context, payload json.RawMessage, proof *transport.Proof, idempotencyKey string) (uint64, *transport.ErrorPayload) {
	var req transport.RevokeEdgePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "malformed REVOKE payload"}
	}

	existing, ok := c.edges.Get(req.EdgeID)
	if !ok {
		return 0, &transport.ErrorPayload{Code: transport.ErrUnknownEdge, Message: "no such edge: " + req.EdgeID}
	}
	if !existing.Live() {
		// Already revoked: no-op, no new log entry, original timestamp
		// preserved.
		return c.mutLog.Latest(), nil
	}

	if proof == nil {
		c.audit.LogMutation(ctx, c.cfg.TenantID, []string{req.EdgeID}, audit.OutcomeDenied, "missing proof")
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "REVOKE requires a proof of revoke capability"}
	}
	result := c.validator.Validate(proof.EdgeIDs, proof.SubjectID, existing.TargetID, mutationCapabilityRevoke)
	if !result.Valid {
		c.audit.LogCheck(ctx, c.cfg.TenantID, proof.SubjectID, existing.TargetID, mutationCapabilityRevoke, proof.EdgeIDs, false, string(result.Code), "mutation authorization failed")
		return 0, errorFromValidateCode(result)
	}

	revokedAt, err := c.edges.Revoke(req.EdgeID)
	if err != nil {
		return 0, &transport.ErrorPayload{Code: transport.ErrUnknownEdge, Message: err.Error()}
	}

	entry, _, err := c.mutLog.Append(mutationlog.KindRevoke, req.EdgeID, revokeLogPayload{RevokedAt: revokedAt}, idempotencyKey)
	if err != nil {
		c.logger.Error("mutation log append failed", zap.Error(err))
		return 0, &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "durable append failed"}
	}

	revoked, _ := c.edges.Get(req.EdgeID)
	c.audit.LogMutation(ctx, c.cfg.TenantID, []string{req.EdgeID}, audit.OutcomeAllowed, "edge revoked")
	c.cache.InvalidateForEdge(revoked)
	c.hub.Broadcast(entry.Version, string(mutationlog.KindRevoke), revoked)
	c.afterMutation(ctx, entry.Version)
	return entry.Version, nil
}

func errorFromValidateCode(r validate.Result) *transport.ErrorPayload {
	switch r.Code {
	case validate.CodeUnknownEdge:
		return &transport.ErrorPayload{Code: transport.ErrUnknownEdge, Message: "unknown edge: " + r.EdgeID}
	case validate.CodeRevokedEdge:
		return &transport.ErrorPayload{Code: transport.ErrRevokedEdge, Message: "revoked edge: " + r.EdgeID}
	case validate.CodeChainNotRooted:
		return &transport.ErrorPayload{Code: transport.ErrChainNotRooted, Message: "chain not rooted at subject"}
	case validate.CodeDisconnectedAt:
		return &transport.ErrorPayload{Code: transport.ErrDisconnectedAt, Message: fmt.Sprintf("chain disconnected at index %d", r.Index)}
	case validate.CodeChainWrongTerminus:
		return &transport.ErrorPayload{Code: transport.ErrChainWrongTerminus, Message: "chain does not terminate at object"}
	case validate.CodeCapabilityMismatch:
		return &transport.ErrorPayload{Code: transport.ErrCapabilityMismatch, Message: "capability mismatch"}
	default:
		return &transport.ErrorPayload{Code: transport.ErrInvalidProof, Message: "invalid proof"}
	}
}

// afterMutation runs the snapshot refresh policy: every SnapshotEveryN
// mutations, or when SnapshotInterval has elapsed since the last
// refresh, whichever comes first. Called with writeMu held, but the
// refresh itself is asynchronous so it never blocks the mutation's
// critical path.
func (c *Coordinator) afterMutation(ctx context.Context, version uint64) {
	c.sinceLastSnapshot++
	due := c.sinceLastSnapshot >= c.cfg.SnapshotEveryN
	if !due && c.cfg.SnapshotInterval > 0 && time.Since(c.lastSnapshotAt) >= c.cfg.SnapshotInterval {
		due = true
	}
	if !due {
		return
	}
	c.sinceLastSnapshot = 0
	c.lastSnapshotAt = time.Now()

	if c.cfg.Workflow != nil {
		c.cfg.Workflow.RequestRefresh(ctx, c.cfg.TenantID, version)
		return
	}
	go func() {
		if err := c.refreshSnapshot(context.Background(), c.cfg.TenantID, version); err != nil {
			c.logger.Warn("inline snapshot refresh failed", zap.Error(err))
		}
	}()
}

// refreshSnapshot writes the current edge set and prunes old hot
// versions. Matches the SnapshotRefreshFunc shape so the same body
// backs both the inline fallback and the Inngest-registered function.
func (c *Coordinator) refreshSnapshot(_ context.Context, tenantID string, version uint64) error {
	edges := c.edges.All()
	if _, err := c.snapshots.Write(version, edges); err != nil {
		return fmt.Errorf("tenant %s: write snapshot: %w", tenantID, err)
	}
	return c.snapshots.Prune()
}

// RefreshFunc adapts the coordinator's refresh body to
// tenant.SnapshotRefreshFunc for registration with a WorkflowService.
func (c *Coordinator) RefreshFunc() SnapshotRefreshFunc {
	return c.refreshSnapshot
}

// OldestVersion satisfies transport.Tenant.
func (c *Coordinator) OldestVersion() uint64 {
	v, err := c.mutLog.Oldest()
	if err != nil {
		return 0
	}
	return v
}

// LatestVersion satisfies transport.Tenant.
func (c *Coordinator) LatestVersion() uint64 {
	return c.mutLog.Latest()
}

// MutationsSince satisfies transport.Tenant: the log tail converted to
// wire payloads, each carrying the edge's current (post-mutation) state.
// A COLD coordinator is brought to READY first, so the edges the tail
// refers to are resident.
func (c *Coordinator) MutationsSince(version uint64) ([]transport.MutationPayload, error) {
	if err := c.touch(); err != nil {
		return nil, err
	}
	entries, err := c.mutLog.Tail(version)
	if err != nil {
		return nil, err
	}
	out := make([]transport.MutationPayload, 0, len(entries))
	for _, entry := range entries {
		e, ok := c.edges.Get(entry.EdgeID)
		if !ok {
			continue
		}
		out = append(out, transport.MutationPayload{Version: entry.Version, Kind: string(entry.Kind), Edge: *e})
	}
	return out, nil
}

// SnapshotRef satisfies transport.Tenant. The URI is a filesystem
// location: client replica and coordinator are assumed to share
// durable storage reachable by path (e.g. a mounted volume), the same
// deployment assumption the original kernel makes for its BoltDB files.
func (c *Coordinator) SnapshotRef() (transport.SnapshotRefPayload, bool) {
	versions, err := c.snapshots.ListVersions()
	if err != nil || len(versions) == 0 {
		return transport.SnapshotRefPayload{}, false
	}
	latest := versions[len(versions)-1]
	dir, ok := c.snapshots.Locate(latest)
	if !ok {
		return transport.SnapshotRefPayload{}, false
	}
	return transport.SnapshotRefPayload{URI: dir, Version: latest}, true
}

// GetEdge satisfies transport.Tenant (inspection endpoint).
func (c *Coordinator) GetEdge(id string) (edge.Edge, bool) {
	e, ok := c.edges.Get(id)
	if !ok {
		return edge.Edge{}, false
	}
	return *e, true
}

// Close releases durable resources without discarding state (used on
// clean shutdown, as distinct from maybeEvict which discards in-memory
// state while keeping it on disk for a later COLD start).
func (c *Coordinator) Close() error {
	if err := c.audit.Close(); err != nil {
		c.logger.Warn("audit logger close failed", zap.Error(err))
	}
	return c.mutLog.Close()
}
