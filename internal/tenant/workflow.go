// Package tenant implements the tenant coordinator (component C6): the
// per-tenant state machine that owns the edge store, mutation log,
// audit log, snapshot store, and subscriber hub, and enforces the
// single-writer mutation protocol. Workflow durability is grounded on
// internal/kernel/ingestion_workflow.go's step.Run idiom from the
// original kernel.
package tenant

import (
	"context"
	"fmt"
	"net/http"

	"github.com/inngest/inngestgo"
	"github.com/inngest/inngestgo/step"
	"go.uber.org/zap"
)

const snapshotRefreshEvent = "tenant/snapshot.refresh.requested"

// SnapshotRefreshInput is the event payload that triggers a durable
// snapshot write + prune.
type SnapshotRefreshInput struct {
	TenantID string `json:"tenantId"`
	Version  uint64 `json:"version"`
}

// SnapshotRefreshFunc performs the actual write. Supplied by the
// coordinator that registers the workflow, since only it holds the
// edge store and snapshot store for a given tenant.
type SnapshotRefreshFunc func(ctx context.Context, tenantID string, version uint64) error

// WorkflowService wraps an Inngest client providing durable, retry-safe
// execution of the snapshot-refresh policy. Refresh is triggered by
// event rather than called inline so a transient snapshot-store failure
// is retried by Inngest's own backoff instead of blocking, or failing,
// the mutation that triggered it — snapshot persistence stays
// asynchronous and never sits on the mutation's critical path.
type WorkflowService struct {
	client inngestgo.Client
	logger *zap.Logger
}

// NewWorkflowService constructs a WorkflowService and registers the
// snapshot-refresh function. refresh is invoked once per delivered
// event, resolving the tenant by ID through resolveRefresh.
func NewWorkflowService(appID string, resolveRefresh func(tenantID string) SnapshotRefreshFunc, logger *zap.Logger) (*WorkflowService, error) {
	client, err := inngestgo.NewClient(inngestgo.ClientOpts{AppID: appID})
	if err != nil {
		return nil, fmt.Errorf("tenant: create inngest client: %w", err)
	}
	ws := &WorkflowService{client: client, logger: logger.Named("tenant_workflow")}

	_, err = inngestgo.CreateFunction(
		client,
		inngestgo.FunctionOpts{ID: "snapshot-refresh", Name: "Tenant Snapshot Refresh"},
		inngestgo.EventTrigger(snapshotRefreshEvent, nil),
		func(ctx context.Context, input inngestgo.Input[SnapshotRefreshInput]) (any, error) {
			tenantID := input.Event.Data.TenantID
			version := input.Event.Data.Version
			refresh := resolveRefresh(tenantID)
			if refresh == nil {
				return nil, fmt.Errorf("tenant %s: no longer resident, skipping refresh", tenantID)
			}
			return step.Run(ctx, "write-and-prune", func(ctx context.Context) (struct{ Version uint64 }, error) {
				if err := refresh(ctx, tenantID, version); err != nil {
					return struct{ Version uint64 }{}, err
				}
				return struct{ Version uint64 }{Version: version}, nil
			})
		},
	)
	if err != nil {
		return nil, fmt.Errorf("tenant: register snapshot-refresh function: %w", err)
	}
	return ws, nil
}

// RequestRefresh fires the event that triggers a durable snapshot
// write for tenantID at version. Fire-and-forget: a publish failure is
// logged, not propagated, since the next refresh-policy trigger will
// simply request it again.
func (ws *WorkflowService) RequestRefresh(ctx context.Context, tenantID string, version uint64) {
	_, err := ws.client.Send(ctx, inngestgo.Event{
		Name: snapshotRefreshEvent,
		Data: map[string]any{"tenantId": tenantID, "version": version},
	})
	if err != nil {
		ws.logger.Warn("failed to publish snapshot-refresh event", zap.String("tenantId", tenantID), zap.Error(err))
	}
}

// Handler returns the HTTP handler Inngest's executor calls back into
// to run a registered function (the standard inngestgo serve
// convention, mounted at e.g. /api/inngest by the coordinator process).
func (ws *WorkflowService) Handler() http.Handler {
	return ws.client.Serve()
}
