// Package audit implements the audit log (component C3): an
// append-only record of checks, mutations, and detected attacks. In
// async mode logging is fire-and-forget via a buffered channel, matching
// the async mode of internal/policy/audit.go in the original kernel;
// when that buffer is full, or async mode is off, the event is persisted
// synchronously on the caller's goroutine.
package audit

import "time"

// Kind distinguishes a permission check from a graph mutation.
type Kind string

const (
	KindCheck    Kind = "CHECK"
	KindMutation Kind = "MUTATION"
)

// Outcome is the coarse result of a check.
type Outcome string

const (
	OutcomeAllowed Outcome = "ALLOWED"
	OutcomeDenied  Outcome = "DENIED"
)

// Event is a single audit record.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	TenantID   string            `json:"tenantId"`
	Kind       Kind              `json:"kind"`
	SubjectID  string            `json:"subjectId,omitempty"`
	ObjectID   string            `json:"objectId,omitempty"`
	EdgeIDs    []string          `json:"edgeIds,omitempty"`
	Capability string            `json:"capability,omitempty"`
	Outcome    Outcome           `json:"outcome,omitempty"`
	Code       string            `json:"code,omitempty"`
	Attack     bool              `json:"attack,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// attackCodes are validator failure codes that indicate the client was
// shown a valid snapshot yet submitted a structurally impossible proof
// — i.e. forged or replayed edge IDs, not a benign authorization
// mismatch. CHAIN_NOT_ROOTED/CHAIN_WRONG_TERMINUS/CAPABILITY_MISMATCH
// are ordinary denials: a client can construct those honestly by asking
// about the wrong pair. REVOKED_EDGE is a legitimate state change, not
// an attack.
var attackCodes = map[string]bool{
	"DISCONNECTED_AT": true,
	"UNKNOWN_EDGE":    true,
}

// IsAttack reports whether a denial code should be flagged ATTACK.
func IsAttack(code string) bool {
	return attackCodes[code]
}
