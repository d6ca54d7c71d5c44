package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ColdSink persists events past the in-memory hot window. Retention
// policy is pluggable; Logger works with no sink at all (hot-only) or
// any implementation, e.g. the bbolt-backed one in boltsink.go.
type ColdSink interface {
	Append(ctx context.Context, ev Event) error
	Close() error
}

// Config configures a Logger.
type Config struct {
	Enabled     bool
	AsyncMode   bool
	BufferSize  int
	HotCapacity int
	NATSSubject string // e.g. "tenant.<id>.audit"; empty disables publish
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		AsyncMode:   true,
		BufferSize:  1000,
		HotCapacity: 500,
	}
}

// Logger fans an audit event out to four places: an in-memory ring
// buffer (hot tier, for the admin inspection endpoint), an optional
// ColdSink (durable retention), an optional SearchIndex, and an
// optional NATS subject (so
// other tenant-coordinator replicas, or an external SIEM, can subscribe).
type Logger struct {
	cfg    Config
	logger *zap.Logger

	mu  sync.Mutex
	hot []Event

	sink   ColdSink
	nc     *nats.Conn
	search *SearchIndex

	eventChan chan Event
}

// New constructs a Logger. nc, sink, and search may all be nil.
func New(cfg Config, sink ColdSink, nc *nats.Conn, search *SearchIndex, logger *zap.Logger) *Logger {
	if cfg.HotCapacity == 0 {
		cfg.HotCapacity = 500
	}
	l := &Logger{
		cfg:    cfg,
		logger: logger.Named("audit"),
		sink:   sink,
		nc:     nc,
		search: search,
	}
	if cfg.AsyncMode {
		bufSize := cfg.BufferSize
		if bufSize == 0 {
			bufSize = 1000
		}
		l.eventChan = make(chan Event, bufSize)
		go l.drain()
	}
	return l
}

// Log records an event. It never returns an error to the mutation
// critical path: a sink failure is logged and swallowed, matching the
// conventional "never let audit logging break the request" posture.
func (l *Logger) Log(ctx context.Context, ev Event) {
	if !l.cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("audit_%d", ev.Timestamp.UnixNano())
	}

	l.appendHot(ev)

	if l.cfg.AsyncMode {
		select {
		case l.eventChan <- ev:
		default:
			l.logger.Warn("audit buffer full, persisting synchronously", zap.String("id", ev.ID))
			l.persist(ctx, ev)
		}
		return
	}
	l.persist(ctx, ev)
}

// LogCheck is a convenience wrapper around Log for validate outcomes.
func (l *Logger) LogCheck(ctx context.Context, tenantID, subjectID, objectID, capability string, edgeIDs []string, allowed bool, code, reason string) {
	ev := Event{
		TenantID:   tenantID,
		Kind:       KindCheck,
		SubjectID:  subjectID,
		ObjectID:   objectID,
		EdgeIDs:    edgeIDs,
		Capability: capability,
		Code:       code,
		Reason:     reason,
	}
	if allowed {
		ev.Outcome = OutcomeAllowed
	} else {
		ev.Outcome = OutcomeDenied
		ev.Attack = IsAttack(code)
	}
	l.Log(ctx, ev)
}

// LogMutation records an accepted or rejected mutation.
func (l *Logger) LogMutation(ctx context.Context, tenantID string, edgeIDs []string, outcome Outcome, reason string) {
	l.Log(ctx, Event{
		TenantID: tenantID,
		Kind:     KindMutation,
		EdgeIDs:  edgeIDs,
		Outcome:  outcome,
		Reason:   reason,
	})
}

func (l *Logger) appendHot(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hot = append(l.hot, ev)
	if over := len(l.hot) - l.cfg.HotCapacity; over > 0 {
		l.hot = l.hot[over:]
	}
}

// Recent returns up to n most recent hot-tier events, newest last.
func (l *Logger) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.hot) {
		n = len(l.hot)
	}
	out := make([]Event, n)
	copy(out, l.hot[len(l.hot)-n:])
	return out
}

func (l *Logger) drain() {
	for ev := range l.eventChan {
		l.persist(context.Background(), ev)
	}
}

func (l *Logger) persist(ctx context.Context, ev Event) {
	if l.sink != nil {
		if err := l.sink.Append(ctx, ev); err != nil {
			l.logger.Warn("audit cold-sink append failed", zap.String("id", ev.ID), zap.Error(err))
		}
	}
	if l.search != nil {
		if err := l.search.Index(ev); err != nil {
			l.logger.Warn("audit search index failed", zap.String("id", ev.ID), zap.Error(err))
		}
	}
	if l.nc != nil && l.cfg.NATSSubject != "" {
		data := encodeForPublish(ev)
		if err := l.nc.Publish(l.cfg.NATSSubject, data); err != nil {
			l.logger.Warn("audit NATS publish failed", zap.Error(err))
		}
	}
	if ev.Attack {
		l.logger.Warn("audit: attack detected",
			zap.String("subject", ev.SubjectID),
			zap.String("object", ev.ObjectID),
			zap.String("code", ev.Code),
			zap.Strings("edgeIds", ev.EdgeIDs))
	}
}

// Close stops the async drain goroutine and closes the cold sink.
func (l *Logger) Close() error {
	if l.eventChan != nil {
		close(l.eventChan)
	}
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}
