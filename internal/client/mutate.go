package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/engine"
	"github.com/latticeauth/edgegraph/internal/transport"
)

func marshalCreatePayload(e *edge.Edge) (json.RawMessage, error) {
	data, err := json.Marshal(transport.CreateEdgePayload{
		Type:       e.Type,
		SourceID:   e.SourceID,
		TargetID:   e.TargetID,
		Properties: e.Properties,
	})
	if err != nil {
		return nil, fmt.Errorf("client: marshal create payload: %w", err)
	}
	return data, nil
}

func marshalRevokePayload(edgeID string) json.RawMessage {
	data, _ := json.Marshal(transport.RevokeEdgePayload{EdgeID: edgeID})
	return data
}

// Capabilities a proof must carry to authorize a write, mirroring
// internal/tenant/mutate.go's mutationCapabilityGrant/Revoke convention
// on the server side — the client must find the same kind of proof
// before it ever submits a MUTATE, or the server will reject it anyway.
const (
	mutationCapabilityGrant  = "grant"
	mutationCapabilityRevoke = "revoke"
)

// ErrNotAuthorized is returned by Grant/Revoke when the local replica's
// own BFS cannot find a proof chain carrying the required capability.
// Submitting anyway would only earn a round trip to learn the same
// thing from the server.
var ErrNotAuthorized = errors.New("client: no local proof of required capability")

// ErrNotConnected is returned when a mutation is attempted with no live
// transport session.
var ErrNotConnected = errors.New("client: not connected to coordinator")

// ErrTooManyPending is returned when MaxPendingMutations would be
// exceeded — the local analogue of the server's BACKPRESSURE code.
var ErrTooManyPending = errors.New("client: too many pending mutations")

type pendingMutation struct {
	idempotencyKey string
	req            transport.MutatePayload
	rollback       func(ctx context.Context)
	submittedAt    time.Time
	resultCh       chan error
}

// Grant optimistically creates a live HAS_PERMISSION/MEMBER_OF/
// INHERITS_FROM edge and submits it for durable confirmation. actorID is
// the identity whose local proof of "grant" on targetID authorizes the
// write; the returned idempotency key resubmits unchanged across a
// reconnect and can be passed to Await to block for the server's
// decision.
func (r *Replica) Grant(ctx context.Context, actorID string, typ edge.Type, sourceID, targetID string, properties map[string]string) (string, error) {
	allowed, proofEdgeIDs, err := r.Can(ctx, actorID, mutationCapabilityGrant, targetID)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrNotAuthorized
	}

	provisional := &edge.Edge{
		ID:         "pending:" + uuid.New().String(),
		Type:       typ,
		SourceID:   sourceID,
		TargetID:   targetID,
		Properties: properties,
		CreatedAt:  time.Now().UTC(),
	}

	payload, err := marshalCreatePayload(provisional)
	if err != nil {
		return "", err
	}

	idempotencyKey := uuid.New().String()
	req := transport.MutatePayload{
		Kind:    "CREATE",
		Payload: payload,
		Proof: &transport.Proof{
			EdgeIDs:    proofEdgeIDs,
			SubjectID:  actorID,
			Capability: mutationCapabilityGrant,
		},
		IdempotencyKey: idempotencyKey,
	}

	if err := r.eng.Insert(ctx, edgesRelation, rowFromEdge(provisional)); err != nil {
		return "", fmt.Errorf("client: optimistic insert: %w", err)
	}
	r.invalidateForEdge(provisional)

	rollback := func(rctx context.Context) {
		_ = r.eng.Delete(rctx, edgesRelation, engine.Row{"id": provisional.ID})
		r.invalidateForEdge(provisional)
	}

	if err := r.submit(ctx, idempotencyKey, req, rollback); err != nil {
		rollback(ctx)
		return "", err
	}
	return idempotencyKey, nil
}

// Revoke optimistically marks edgeID revoked and submits the revoke for
// durable confirmation. actorID's local proof of "revoke" on the edge's
// object authorizes the write.
func (r *Replica) Revoke(ctx context.Context, actorID, edgeID string) (string, error) {
	rows, err := r.eng.Query(ctx, edgesRelation, "", engine.Row{"id": edgeID})
	if err != nil {
		return "", fmt.Errorf("client: lookup edge to revoke: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("client: unknown local edge %q", edgeID)
	}
	original := edgeFromRow(rows[0])
	if !original.Live() {
		return "", nil // already revoked locally: no-op, matches server semantics
	}

	allowed, proofEdgeIDs, err := r.Can(ctx, actorID, mutationCapabilityRevoke, original.TargetID)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrNotAuthorized
	}

	idempotencyKey := uuid.New().String()
	req := transport.MutatePayload{
		Kind:    "REVOKE",
		Payload: marshalRevokePayload(edgeID),
		Proof: &transport.Proof{
			EdgeIDs:    proofEdgeIDs,
			SubjectID:  actorID,
			Capability: mutationCapabilityRevoke,
		},
		IdempotencyKey: idempotencyKey,
	}

	revoked := original.Clone()
	now := time.Now().UTC()
	revoked.RevokedAt = &now
	if err := r.eng.Delete(ctx, edgesRelation, engine.Row{"id": edgeID}); err != nil {
		return "", fmt.Errorf("client: optimistic revoke delete: %w", err)
	}
	if err := r.eng.Insert(ctx, edgesRelation, rowFromEdge(revoked)); err != nil {
		return "", fmt.Errorf("client: optimistic revoke reinsert: %w", err)
	}
	r.invalidateForEdge(revoked)

	rollback := func(rctx context.Context) {
		_ = r.eng.Delete(rctx, edgesRelation, engine.Row{"id": edgeID})
		_ = r.eng.Insert(rctx, edgesRelation, rowFromEdge(original))
		r.invalidateForEdge(original)
	}

	if err := r.submit(ctx, idempotencyKey, req, rollback); err != nil {
		rollback(ctx)
		return "", err
	}
	return idempotencyKey, nil
}

// submit records the pending mutation and sends it over the current
// session. The send itself only enqueues the request; resolution
// happens asynchronously when handleAck processes the server's reply.
func (r *Replica) submit(ctx context.Context, idempotencyKey string, req transport.MutatePayload, rollback func(context.Context)) error {
	r.pendingMu.Lock()
	if len(r.pending) >= r.cfg.MaxPendingMutations {
		r.pendingMu.Unlock()
		return ErrTooManyPending
	}
	pm := &pendingMutation{
		idempotencyKey: idempotencyKey,
		req:            req,
		rollback:       rollback,
		submittedAt:    time.Now(),
		resultCh:       make(chan error, 1),
	}
	r.pending[idempotencyKey] = pm
	r.pendingMu.Unlock()

	return r.sendMutate(req)
}

func (r *Replica) sendMutate(req transport.MutatePayload) error {
	r.sessionMu.Lock()
	sess := r.session
	r.sessionMu.Unlock()
	if sess == nil {
		// Not connected yet: the pending entry stays queued and the
		// reconnect loop's resubmission pass will send it once a
		// session exists.
		return nil
	}
	if err := sess.Send(transport.KindMutate, req); err != nil {
		return fmt.Errorf("client: send mutate: %w", err)
	}
	return nil
}

// Await blocks until idempotencyKey's mutation resolves (ACK received)
// or ctx is done, returning the server's rejection error, if any.
// Unknown keys (already resolved, or never submitted) return nil
// immediately.
func (r *Replica) Await(ctx context.Context, idempotencyKey string) error {
	r.pendingMu.Lock()
	pm, ok := r.pending[idempotencyKey]
	r.pendingMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case err := <-pm.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleAck resolves a pending mutation: on success it is simply
// dropped (the authoritative edge arrives via a MUTATION broadcast,
// which this replica also receives as a subscriber); on failure the
// optimistic local change is rolled back and the server's error
// surfaced to any Await caller.
func (r *Replica) handleAck(ack transport.AckPayload) {
	r.pendingMu.Lock()
	pm, ok := r.pending[ack.IdempotencyKey]
	if ok {
		delete(r.pending, ack.IdempotencyKey)
	}
	r.pendingMu.Unlock()
	if !ok {
		return
	}

	var resultErr error
	if !ack.Success {
		pm.rollback(context.Background())
		if ack.Error != nil {
			resultErr = fmt.Errorf("client: mutation rejected: %s: %s", ack.Error.Code, ack.Error.Message)
		} else {
			resultErr = errors.New("client: mutation rejected")
		}
		r.logger.Warn("mutation rejected, rolled back", zap.String("idempotencyKey", ack.IdempotencyKey), zap.Error(resultErr))
	} else {
		r.setKnownVersion(ack.Version)
	}
	pm.resultCh <- resultErr
	close(pm.resultCh)
}

// resubmitPending resends every still-outstanding mutation with its
// original idempotency key, relying on the server's mutLog.Lookup dedup
// to collapse any that actually landed before the disconnect.
func (r *Replica) resubmitPending() {
	r.pendingMu.Lock()
	reqs := make([]transport.MutatePayload, 0, len(r.pending))
	for _, pm := range r.pending {
		reqs = append(reqs, pm.req)
	}
	r.pendingMu.Unlock()

	for _, req := range reqs {
		if err := r.sendMutate(req); err != nil {
			r.logger.Warn("resubmit failed", zap.String("idempotencyKey", req.IdempotencyKey), zap.Error(err))
		}
	}
}
