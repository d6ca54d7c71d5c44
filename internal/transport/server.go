package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/authmw"
	"github.com/latticeauth/edgegraph/internal/edge"
)

// Tenant is everything Server needs from one tenant coordinator to
// serve the public HTTP/RPC surface. Kept as an interface so transport
// never imports internal/tenant directly, avoiding an import cycle (the
// coordinator imports transport to reach its Hub).
type Tenant interface {
	// Mutate validates and applies one CREATE/REVOKE request,
	// deduplicating on idempotencyKey. The returned ErrorPayload is nil
	// on success. ctx is the caller's context; the tenant coordinator
	// hands it to audit logging and does not abort on its cancellation
	// or deadline.
	Mutate(ctx context.Context, kind string, payload json.RawMessage, proof *Proof, idempotencyKey string) (version uint64, errp *ErrorPayload)

	OldestVersion() uint64
	LatestVersion() uint64
	MutationsSince(version uint64) ([]MutationPayload, error)
	SnapshotRef() (SnapshotRefPayload, bool)
	GetEdge(id string) (edge.Edge, bool)
	Hub() *Hub
}

// Resolver looks up the coordinator for a tenant ID, spinning one up on
// demand per the COLD->INITIALIZING lifecycle. ok is false when no
// coordinator can be produced for tenantID; the tenant registry creates
// one for any ID on first reference and reports false only when that
// creation fails.
type Resolver func(tenantID string) (Tenant, bool)

// Server exposes the coordinator's HTTP/RPC surface: mutate, snapshot,
// events (WS upgrade), and edge inspection. Grounded on
// internal/agent/server.go's mux.Router + websocket.Upgrader wiring.
type Server struct {
	resolve  Resolver
	logger   *zap.Logger
	upgrader websocket.Upgrader
	authz    *authmw.Middleware
}

// NewServer constructs a Server. authz may be nil to leave the
// inspection endpoint unauthenticated (local development only).
func NewServer(resolve Resolver, authz *authmw.Middleware, logger *zap.Logger) *Server {
	return &Server{
		resolve: resolve,
		logger:  logger.Named("tenant_server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		authz: authz,
	}
}

// SetupRoutes registers the public surface on r.
func (s *Server) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/tenant/{tenant}/mutate", s.handleMutate).Methods(http.MethodPost)
	r.HandleFunc("/tenant/{tenant}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/tenant/{tenant}/events", s.handleEvents).Methods(http.MethodGet)

	edgeHandler := http.HandlerFunc(s.handleGetEdge)
	if s.authz != nil {
		r.Handle("/tenant/{tenant}/edge/{id}", s.authz.Wrap(edgeHandler)).Methods(http.MethodGet)
	} else {
		r.Handle("/tenant/{tenant}/edge/{id}", edgeHandler).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}

func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (Tenant, bool) {
	id := mux.Vars(r)["tenant"]
	t, ok := s.resolve(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorPayload{Code: ErrTenantNotFound, Message: "no such tenant: " + id})
		return nil, false
	}
	return t, true
}

type mutateRequest struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Proof          *Proof          `json:"proof,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type mutateResponse struct {
	Version uint64 `json:"version"`
	Success bool   `json:"success"`
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorPayload{Code: ErrInvalidProof, Message: "malformed request body"})
		return
	}
	version, errp := t.Mutate(r.Context(), req.Kind, req.Payload, req.Proof, req.IdempotencyKey)
	if errp != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errp)
		return
	}
	writeJSON(w, http.StatusOK, mutateResponse{Version: version, Success: true})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	since := parseUintQuery(r, "since")
	if since >= t.LatestVersion() {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	ref, ok := t.SnapshotRef()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, ErrorPayload{Code: ErrSchemaMigrationInProgress, Message: "no snapshot available yet"})
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleGetEdge(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	e, ok := t.GetEdge(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorPayload{Code: ErrUnknownEdge, Message: "no such edge: " + id})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleEvents upgrades the connection and drives the HELLO/catch-up
// handshake, then hands the session to the tenant's Hub for the life of
// the subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	session := NewSession(conn, s.logger)
	session.SetReadDeadline(time.Now().Add(IdleTimeout))

	env, err := session.Recv()
	if err != nil || env.Kind != KindHello {
		session.Send(KindError, ErrorPayload{Code: ErrInvalidProof, Message: "expected HELLO as first message"})
		session.Close()
		return
	}
	var hello HelloPayload
	if err := Decode(env, &hello); err != nil {
		session.Send(KindError, ErrorPayload{Code: ErrInvalidProof, Message: "malformed HELLO"})
		session.Close()
		return
	}

	hub := t.Hub()
	sub := hub.Register(session)

	if hello.KnownVersion < t.OldestVersion() {
		ref, ok := t.SnapshotRef()
		if ok {
			hub.SendSnapshotRef(sub, ref)
		}
	} else {
		missed, err := t.MutationsSince(hello.KnownVersion)
		if err == nil {
			for _, m := range missed {
				select {
				case sub.outbound <- envelopeMsg{kind: KindMutation, payload: m}:
				default:
					hub.dropLagged(sub)
					return
				}
			}
		}
	}

	s.readLoop(session, sub, t, hub)
}

// readLoop services client->server messages (MUTATE, PING) for the
// lifetime of one subscriber session.
func (s *Server) readLoop(session *Session, sub *Subscriber, t Tenant, hub *Hub) {
	defer hub.Unregister(sub.ID)
	for {
		env, err := session.Recv()
		if err != nil {
			return
		}
		session.SetReadDeadline(time.Now().Add(IdleTimeout))

		switch env.Kind {
		case KindPing:
			select {
			case sub.outbound <- envelopeMsg{kind: KindPong, payload: struct{}{}}:
			default:
				hub.dropLagged(sub)
			}
		case KindMutate:
			var req MutatePayload
			if err := Decode(env, &req); err != nil {
				hub.SendError(sub, ErrInvalidProof, "malformed MUTATE")
				continue
			}
			version, errp := t.Mutate(context.Background(), req.Kind, req.Payload, req.Proof, req.IdempotencyKey)
			if errp != nil {
				hub.SendAck(sub, AckPayload{IdempotencyKey: req.IdempotencyKey, Success: false, Error: errp})
				continue
			}
			hub.SendAck(sub, AckPayload{IdempotencyKey: req.IdempotencyKey, Success: true, Version: version})
		default:
			hub.SendError(sub, ErrInvalidProof, "unexpected message kind: "+string(env.Kind))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseUintQuery(r *http.Request, key string) uint64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	var n uint64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}
