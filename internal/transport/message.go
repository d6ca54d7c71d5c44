// Package transport implements the subscriber transport (component C7):
// a bidirectional, message-oriented session between a client replica and
// its tenant coordinator. Grounded on internal/server/websocket.go's
// gorilla/websocket + mux wiring in the original kernel.
package transport

import (
	"encoding/json"
	"time"

	"github.com/latticeauth/edgegraph/internal/edge"
	"github.com/latticeauth/edgegraph/internal/jsonx"
)

// Kind is one of the fixed message kinds exchanged on the wire.
type Kind string

const (
	KindHello       Kind = "HELLO"
	KindMutate      Kind = "MUTATE"
	KindPing        Kind = "PING"
	KindSnapshotRef Kind = "SNAPSHOT_REF"
	KindMutation    Kind = "MUTATION"
	KindAck         Kind = "ACK"
	KindPong        Kind = "PONG"
	KindError       Kind = "ERROR"
)

// Envelope is the one wire shape every message takes: a kind tag plus an
// opaque payload, decoded into the concrete *Payload type once Kind is
// known. Numeric version fields are unsigned 64-bit.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is sent client->server to open or resume a session.
type HelloPayload struct {
	KnownVersion uint64 `json:"knownVersion"`
}

// Proof is the client's claimed permission path, submitted alongside a
// mutation that requires authorization.
type Proof struct {
	EdgeIDs    []string `json:"edgeIds"`
	SubjectID  string   `json:"subjectId"`
	Capability string   `json:"capability,omitempty"`
}

// MutatePayload is sent client->server to request a CREATE or REVOKE.
type MutatePayload struct {
	Kind           string          `json:"kind"` // "CREATE" | "REVOKE"
	Payload        json.RawMessage `json:"payload"`
	Proof          *Proof          `json:"proof,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// CreateEdgePayload is the Payload of a MutatePayload whose Kind is
// "CREATE".
type CreateEdgePayload struct {
	Type       edge.Type         `json:"type"`
	SourceID   string            `json:"sourceId"`
	TargetID   string            `json:"targetId"`
	Properties map[string]string `json:"properties,omitempty"`
}

// RevokeEdgePayload is the Payload of a MutatePayload whose Kind is
// "REVOKE".
type RevokeEdgePayload struct {
	EdgeID string `json:"edgeId"`
}

// SnapshotRefPayload points a catching-up client at a full snapshot
// instead of a replayable mutation tail.
type SnapshotRefPayload struct {
	URI     string `json:"uri"`
	Version uint64 `json:"version"`
}

// MutationPayload is one accepted mutation, pushed to subscribers in
// server-assigned version order.
type MutationPayload struct {
	Version uint64    `json:"version"`
	Kind    string    `json:"kind"`
	Edge    edge.Edge `json:"edge"`
}

// AckPayload acknowledges a MutatePayload, echoing its idempotency key.
type AckPayload struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Success        bool   `json:"success"`
	Version        uint64 `json:"version,omitempty"`
	Error          *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload carries one of the stable wire error codes below.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stable wire error codes.
const (
	ErrUnknownEdge               = "UNKNOWN_EDGE"
	ErrRevokedEdge               = "REVOKED_EDGE"
	ErrChainNotRooted            = "CHAIN_NOT_ROOTED"
	ErrDisconnectedAt            = "DISCONNECTED_AT"
	ErrChainWrongTerminus        = "CHAIN_WRONG_TERMINUS"
	ErrCapabilityMismatch        = "CAPABILITY_MISMATCH"
	ErrInvalidProof              = "INVALID_PROOF"
	ErrLagged                    = "LAGGED"
	ErrBackpressure              = "BACKPRESSURE"
	ErrTenantNotFound            = "TENANT_NOT_FOUND"
	ErrSchemaMigrationInProgress = "SCHEMA_MIGRATION_IN_PROGRESS"
)

// heartbeat tuning: idle subscriber sessions are closed after a bounded
// period on the order of tens of seconds.
const (
	PingInterval = 15 * time.Second
	IdleTimeout  = 45 * time.Second
)

// Encode marshals payload into an Envelope using jsonx, the Sonic-backed
// codec used for hot-path message serialization.
func Encode(kind Kind, payload any) (Envelope, error) {
	data, err := jsonx.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: data}, nil
}

// Decode unmarshals an Envelope's payload into dst using jsonx.
func Decode(env Envelope, dst any) error {
	return jsonx.Unmarshal(env.Payload, dst)
}

// marshalEnvelope serializes a full Envelope to bytes for the wire.
func marshalEnvelope(env Envelope) ([]byte, error) {
	return jsonx.Marshal(env)
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := jsonx.Unmarshal(data, &env)
	return env, err
}
