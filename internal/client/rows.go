// Package client implements the client replica (component C8): a
// local, optimistic, cached view of one tenant's graph, backed by a
// pluggable embedded engine (internal/engine) and kept current by a
// subscriber session to the tenant coordinator.
package client

import (
	"time"

	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/engine"
)

// edgesRelation is the single relation the replica bulk-loads and
// queries: one row per edge, flattened to the scalar fields every
// engine implementation can store regardless of native schema.
const edgesRelation = "edges"

func rowFromEdge(e *edge.Edge) engine.Row {
	cap, _ := e.Capability()
	row := engine.Row{
		"id":       e.ID,
		"type":     string(e.Type),
		"sourceId": e.SourceID,
		"targetId": e.TargetID,
		"capability": cap,
		"createdAt": e.CreatedAt.Format(time.RFC3339Nano),
		"revoked":   "",
	}
	if e.RevokedAt != nil {
		row["revoked"] = e.RevokedAt.Format(time.RFC3339Nano)
	}
	return row
}

func edgeFromRow(row engine.Row) *edge.Edge {
	e := &edge.Edge{
		ID:       row["id"],
		Type:     edge.Type(row["type"]),
		SourceID: row["sourceId"],
		TargetID: row["targetId"],
	}
	if cap := row["capability"]; cap != "" {
		e.Properties = map[string]string{edge.CapabilityKey: cap}
	}
	if ts, err := time.Parse(time.RFC3339Nano, row["createdAt"]); err == nil {
		e.CreatedAt = ts
	}
	if row["revoked"] != "" {
		if ts, err := time.Parse(time.RFC3339Nano, row["revoked"]); err == nil {
			e.RevokedAt = &ts
		}
	}
	return e
}

func liveMatch(sourceID, targetID string, typ edge.Type, capability string) engine.Row {
	row := engine.Row{"revoked": ""}
	if sourceID != "" {
		row["sourceId"] = sourceID
	}
	if targetID != "" {
		row["targetId"] = targetID
	}
	if typ != "" {
		row["type"] = string(typ)
	}
	if capability != "" {
		row["capability"] = capability
	}
	return row
}
