package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/edge"
)

// defaultOutboundQueue bounds how far a subscriber may lag before the
// hub drops its session as backpressure.
const defaultOutboundQueue = 256

// Subscriber is one connected client replica's outbound half: a
// buffered queue drained by a dedicated goroutine so a slow reader never
// blocks the coordinator's broadcast fan-out — delivery to each
// subscriber is fire-and-forget from the broadcaster's perspective.
type Subscriber struct {
	ID      string
	session *Session

	outbound chan envelopeMsg
	done     chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

type envelopeMsg struct {
	kind    Kind
	payload any
}

// Hub tracks every subscriber of one tenant and fans mutations out to
// them in the single server-assigned total order.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueSize   int
	logger      *zap.Logger

	onLagged func(id string)
}

// NewHub constructs an empty Hub. onLagged, if non-nil, is invoked when
// a subscriber is dropped for falling behind, so the coordinator can
// update its own bookkeeping (e.g. release resources keyed by that
// subscriber).
func NewHub(logger *zap.Logger, onLagged func(id string)) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		queueSize:   defaultOutboundQueue,
		logger:      logger.Named("subscriber_hub"),
		onLagged:    onLagged,
	}
}

// Register adds a new subscriber and starts its drain loop.
func (h *Hub) Register(session *Session) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New().String(),
		session:  session,
		outbound: make(chan envelopeMsg, h.queueSize),
		done:     make(chan struct{}),
		logger:   h.logger,
	}
	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()

	go h.drain(sub)
	go h.pingLoop(sub)
	return sub
}

// Unregister removes a subscriber and stops its drain loop.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Broadcast pushes one accepted mutation, in order, to every subscriber.
// A subscriber whose queue is full is dropped with LAGGED rather than
// allowed to stall the fan-out of the other subscribers — each send is
// non-blocking.
func (h *Hub) Broadcast(version uint64, kind string, e *edge.Edge) {
	payload := MutationPayload{Version: version, Kind: kind, Edge: *e}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.outbound <- envelopeMsg{kind: KindMutation, payload: payload}:
		default:
			h.logger.Warn("subscriber lagged, dropping session", zap.String("subscriberId", sub.ID))
			h.dropLagged(sub)
		}
	}
}

// SendSnapshotRef pushes a SNAPSHOT_REF to one subscriber (used when its
// HELLO's knownVersion is below the retained watermark).
func (h *Hub) SendSnapshotRef(sub *Subscriber, ref SnapshotRefPayload) {
	select {
	case sub.outbound <- envelopeMsg{kind: KindSnapshotRef, payload: ref}:
	default:
		h.dropLagged(sub)
	}
}

// SendAck pushes an ACK to one subscriber.
func (h *Hub) SendAck(sub *Subscriber, ack AckPayload) {
	select {
	case sub.outbound <- envelopeMsg{kind: KindAck, payload: ack}:
	default:
		h.dropLagged(sub)
	}
}

// SendError pushes an ERROR to one subscriber.
func (h *Hub) SendError(sub *Subscriber, code, msg string) {
	select {
	case sub.outbound <- envelopeMsg{kind: KindError, payload: ErrorPayload{Code: code, Message: msg}}:
	default:
		h.dropLagged(sub)
	}
}

func (h *Hub) dropLagged(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.ID)
	h.mu.Unlock()
	sub.close()
	if h.onLagged != nil {
		h.onLagged(sub.ID)
	}
}

func (h *Hub) drain(sub *Subscriber) {
	for {
		select {
		case msg := <-sub.outbound:
			if err := sub.session.Send(msg.kind, msg.payload); err != nil {
				h.logger.Debug("subscriber send failed, unregistering", zap.String("subscriberId", sub.ID), zap.Error(err))
				h.Unregister(sub.ID)
				return
			}
		case <-sub.done:
			return
		}
	}
}

func (h *Hub) pingLoop(sub *Subscriber) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sub.session.SendPing(); err != nil {
				h.Unregister(sub.ID)
				return
			}
		case <-sub.done:
			return
		}
	}
}

// CloseAll disconnects every subscriber. Used when a tenant coordinator
// drains and evicts its in-memory state; subscribers must reconnect and
// replay HELLO against the freshly re-initialized coordinator.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Count returns the number of currently registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (sub *Subscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.session.Close()
	})
}
