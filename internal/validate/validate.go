// Package validate implements the path validator (component C2): the
// sole authority for deciding whether an ordered list of edge IDs forms
// a connected, live chain from a subject to an object. It performs no
// graph traversal of its own — the client already did that work and
// handed back edge IDs as an audit-grade proof.
package validate

import "github.com/latticeauth/edgegraph/internal/edge"

// Code is one of the stable wire error codes.
type Code string

const (
	CodeInvalidProof       Code = "INVALID_PROOF"
	CodeUnknownEdge        Code = "UNKNOWN_EDGE"
	CodeRevokedEdge        Code = "REVOKED_EDGE"
	CodeChainNotRooted     Code = "CHAIN_NOT_ROOTED"
	CodeDisconnectedAt     Code = "DISCONNECTED_AT"
	CodeChainWrongTerminus Code = "CHAIN_WRONG_TERMINUS"
	CodeCapabilityMismatch Code = "CAPABILITY_MISMATCH"
)

// Result is the outcome of a validate call. Exactly one of Valid's two
// states is meaningful: when false, Code (and, depending on Code,
// EdgeID/Index) identifies the first failing check.
type Result struct {
	Valid bool
	Code  Code

	// EdgeID is set for CodeUnknownEdge and CodeRevokedEdge.
	EdgeID string
	// Index is set for CodeDisconnectedAt: the violation is between
	// edges[Index] and edges[Index+1].
	Index int

	Chain []*edge.Edge
}

// Store is the subset of the edge store the validator needs: a
// point lookup by ID. Narrowed to an interface so tests can supply a
// fixture without standing up a full edge.Store.
type Store interface {
	Get(id string) (*edge.Edge, bool)
}

// Validator is stateless beyond its store reference; it is safe for
// concurrent use by any number of readers. Path validation is
// synchronous and never suspends.
type Validator struct {
	store Store
}

// New returns a Validator backed by the given store.
func New(store Store) *Validator {
	return &Validator{store: store}
}

// Validate runs the six structural checks in order, returning on the
// first failure. requiredCapability may be empty, in which case step 7
// (capability matching) is skipped.
func (v *Validator) Validate(edgeIDs []string, subjectID, objectID, requiredCapability string) Result {
	// 1. Non-empty.
	if len(edgeIDs) == 0 {
		return Result{Valid: false, Code: CodeInvalidProof}
	}

	// 2. Existence + 3. Liveness (two passes: the lookup pass checks
	// existence for every ID before the second pass judges liveness, so
	// that an unknown edge never masquerades as "revoked").
	chain := make([]*edge.Edge, len(edgeIDs))
	for i, id := range edgeIDs {
		e, ok := v.store.Get(id)
		if !ok {
			return Result{Valid: false, Code: CodeUnknownEdge, EdgeID: id}
		}
		chain[i] = e
	}
	for _, e := range chain {
		if !e.Live() {
			return Result{Valid: false, Code: CodeRevokedEdge, EdgeID: e.ID}
		}
	}

	// 4. Subject anchor.
	if chain[0].SourceID != subjectID {
		return Result{Valid: false, Code: CodeChainNotRooted}
	}

	// 5. Connectivity.
	for i := 0; i < len(chain)-1; i++ {
		if chain[i].TargetID != chain[i+1].SourceID {
			return Result{Valid: false, Code: CodeDisconnectedAt, Index: i}
		}
	}

	// 6. Object anchor.
	last := chain[len(chain)-1]
	if last.TargetID != objectID {
		return Result{Valid: false, Code: CodeChainWrongTerminus}
	}

	// 7. Capability, on the terminal edge, only when the caller asked.
	if requiredCapability != "" {
		cap, ok := last.Capability()
		if !ok || cap != requiredCapability {
			return Result{Valid: false, Code: CodeCapabilityMismatch}
		}
	}

	return Result{Valid: true, Chain: chain}
}
