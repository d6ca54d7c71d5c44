// Package dgraph is an optional adapter implementing internal/engine's
// Engine interface over a real DGraph cluster, for operators who want to
// substitute an external embeddable engine for the default in-process
// one in internal/engine/mem. Grounded on internal/graph/client.go's
// connection-pooled DGraph client: retrying gRPC dial, one predicate
// schema set up front, NewTxn-per-operation.
package dgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/latticeauth/edgegraph/internal/engine"
)

// Config configures the DGraph connection.
type Config struct {
	Address       string
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultConfig returns sensible defaults, matching the
// internal/graph.DefaultClientConfig.
func DefaultConfig() Config {
	return Config{Address: "localhost:9080", MaxRetries: 5, RetryInterval: 2 * time.Second}
}

// Engine adapts a DGraph cluster to the internal/engine.Engine seam.
// Each relation maps to one DGraph predicate namespace ("relation_row"
// type); rows are plain string maps serialized as JSON mutations.
type Engine struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
}

// New dials addr with retry/backoff and returns a ready adapter.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	var conn *grpc.ClientConn
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err == nil {
			break
		}
		logger.Warn("dgraph engine: dial failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("dgraph engine: connect after %d attempts: %w", cfg.MaxRetries, err)
	}

	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	return &Engine{conn: conn, dg: dg, logger: logger.Named("dgraph_engine")}, nil
}

// Close releases the underlying gRPC connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// BulkLoad replaces relation's contents with rows via a single
// set-mutation transaction, matching the original client's
// one-mutation-per-operation style.
func (e *Engine) BulkLoad(ctx context.Context, relation string, rows []engine.Row) error {
	docs := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		doc := map[string]any{"dgraph.type": relation}
		for k, v := range r {
			doc[k] = v
		}
		docs = append(docs, doc)
	}
	payload, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("dgraph engine: marshal bulk load for %s: %w", relation, err)
	}

	txn := e.dg.NewTxn()
	mu := &api.Mutation{SetJson: payload, CommitNow: true}
	if _, err := txn.Mutate(ctx, mu); err != nil {
		return fmt.Errorf("dgraph engine: bulk load %s: %w", relation, err)
	}
	return nil
}

// Query runs pattern as a raw DQL query string (the caller is
// responsible for producing valid DQL; this adapter does not attempt to
// compile the mem engine's equality-filter semantics into DQL) and
// decodes the named "rows" block into engine.Row values.
func (e *Engine) Query(ctx context.Context, _ string, pattern string, params map[string]string) ([]engine.Row, error) {
	vars := make(map[string]string, len(params))
	for k, v := range params {
		vars["$"+k] = v
	}
	resp, err := e.dg.NewReadOnlyTxn().QueryWithVars(ctx, pattern, vars)
	if err != nil {
		return nil, fmt.Errorf("dgraph engine: query: %w", err)
	}

	var decoded struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal(resp.GetJson(), &decoded); err != nil {
		return nil, fmt.Errorf("dgraph engine: decode query response: %w", err)
	}

	out := make([]engine.Row, 0, len(decoded.Rows))
	for _, raw := range decoded.Rows {
		row := make(engine.Row, len(raw))
		for k, v := range raw {
			row[k] = fmt.Sprintf("%v", v)
		}
		out = append(out, row)
	}
	return out, nil
}

// Insert applies a single-row set-mutation.
func (e *Engine) Insert(ctx context.Context, relation string, row engine.Row) error {
	doc := map[string]any{"dgraph.type": relation}
	for k, v := range row {
		doc[k] = v
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("dgraph engine: marshal insert for %s: %w", relation, err)
	}
	txn := e.dg.NewTxn()
	mu := &api.Mutation{SetJson: payload, CommitNow: true}
	_, err = txn.Mutate(ctx, mu)
	if err != nil {
		return fmt.Errorf("dgraph engine: insert %s: %w", relation, err)
	}
	return nil
}

// Delete applies a single-row delete-mutation keyed by match's fields.
func (e *Engine) Delete(ctx context.Context, relation string, match engine.Row) error {
	doc := map[string]any{"dgraph.type": relation}
	for k, v := range match {
		doc[k] = v
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("dgraph engine: marshal delete for %s: %w", relation, err)
	}
	txn := e.dg.NewTxn()
	mu := &api.Mutation{DeleteJson: payload, CommitNow: true}
	_, err = txn.Mutate(ctx, mu)
	if err != nil {
		return fmt.Errorf("dgraph engine: delete %s: %w", relation, err)
	}
	return nil
}
