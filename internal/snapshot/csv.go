package snapshot

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/latticeauth/edgegraph/internal/edge"
)

// csvHeader is fixed regardless of a tenant's custom properties: the
// required edge columns plus capability (the one interpreted property)
// plus a JSON blob for everything else, so the column set never has to
// change when a tenant adds a new property key.
var csvHeader = []string{"id", "sourceId", "targetId", "createdAt", "revokedAt", "capability", "properties"}

func writeEdgeCSV(path string, edges []*edge.Edge) (rows int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("snapshot: write header %s: %w", path, err)
	}

	for _, e := range edges {
		capability, extra := splitProperties(e.Properties)
		extraJSON := ""
		if len(extra) > 0 {
			b, merr := json.Marshal(extra)
			if merr != nil {
				return rows, fmt.Errorf("snapshot: marshal properties for %s: %w", e.ID, merr)
			}
			extraJSON = string(b)
		}
		revokedAt := ""
		if e.RevokedAt != nil {
			revokedAt = e.RevokedAt.Format(time.RFC3339Nano)
		}
		record := []string{
			e.ID,
			e.SourceID,
			e.TargetID,
			e.CreatedAt.Format(time.RFC3339Nano),
			revokedAt,
			capability,
			extraJSON,
		}
		if err := w.Write(record); err != nil {
			return rows, fmt.Errorf("snapshot: write row %s: %w", e.ID, err)
		}
		rows++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return rows, fmt.Errorf("snapshot: flush %s: %w", path, err)
	}
	return rows, nil
}

func splitProperties(props map[string]string) (capability string, extra map[string]string) {
	if props == nil {
		return "", nil
	}
	capability = props[edge.CapabilityKey]
	for k, v := range props {
		if k == edge.CapabilityKey {
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[k] = v
	}
	return capability, extra
}

func readEdgeCSV(path string, typ edge.Type) ([]*edge.Edge, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("snapshot: read header %s: %w", path, err)
	}
	if len(header) != len(csvHeader) {
		return nil, fmt.Errorf("snapshot: %s: unexpected column count %d", path, len(header))
	}

	var out []*edge.Edge
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot: parse row in %s: %w", path, err)
		}
		e, perr := parseRow(record, typ)
		if perr != nil {
			return nil, fmt.Errorf("snapshot: %s: %w", path, perr)
		}
		out = append(out, e)
	}
	return out, nil
}

func parseRow(record []string, typ edge.Type) (*edge.Edge, error) {
	if len(record) != len(csvHeader) {
		return nil, fmt.Errorf("row has %d columns, want %d", len(record), len(csvHeader))
	}
	id, sourceID, targetID, createdAtStr, revokedAtStr, capability, propsJSON := record[0], record[1], record[2], record[3], record[4], record[5], record[6]

	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse createdAt for edge %s: %w", id, err)
	}

	var revokedAt *time.Time
	if revokedAtStr != "" {
		t, err := time.Parse(time.RFC3339Nano, revokedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parse revokedAt for edge %s: %w", id, err)
		}
		revokedAt = &t
	}

	props := map[string]string{}
	if propsJSON != "" {
		if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
			return nil, fmt.Errorf("parse properties for edge %s: %w", id, err)
		}
	}
	if capability != "" {
		props[edge.CapabilityKey] = capability
	}
	if len(props) == 0 {
		props = nil
	}

	return &edge.Edge{
		ID:         id,
		Type:       typ,
		SourceID:   sourceID,
		TargetID:   targetID,
		Properties: props,
		CreatedAt:  createdAt,
		RevokedAt:  revokedAt,
	}, nil
}
