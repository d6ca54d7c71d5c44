package client

import (
	"context"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/latticeauth/edgegraph/internal/transport"
)

// Connect dials the coordinator once, sends HELLO with the replica's
// current KnownVersion, and resends any pending mutations before
// returning. It does not read the server's catch-up response (either a
// replayed mutation tail or a SNAPSHOT_REF); Run's read loop processes
// it. The caller should follow a successful Connect with Run to keep the
// session alive and reconnect on failure.
func (r *Replica) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.DialURL, nil)
	if err != nil {
		return err
	}
	sess := transport.NewSession(conn, r.logger)

	r.sessionMu.Lock()
	r.session = sess
	r.sessionMu.Unlock()

	if err := sess.Send(transport.KindHello, transport.HelloPayload{KnownVersion: r.KnownVersion()}); err != nil {
		sess.Close()
		return err
	}
	r.resubmitPending()
	return nil
}

// Run processes incoming messages on the session Connect opened (dialing
// one itself if none is open) until ctx is cancelled or the connection
// drops, then reconnects with exponential backoff and jitter and
// resumes. Every reconnect resends all still-pending mutations; the
// server's mutLog.Lookup dedup collapses any that already landed, so
// this loop only guarantees eventual resubmission.
func (r *Replica) Run(ctx context.Context) {
	delay := r.cfg.ReconnectMinDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closeCh:
			return
		default:
		}

		r.sessionMu.Lock()
		connected := r.session != nil
		r.sessionMu.Unlock()
		if !connected {
			if err := r.Connect(ctx); err != nil {
				r.logger.Warn("connect failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				if !sleepOrDone(ctx, r.closeCh, delay) {
					return
				}
				delay = nextBackoff(delay, r.cfg.ReconnectMaxDelay)
				continue
			}
		}
		delay = r.cfg.ReconnectMinDelay

		r.readUntilDisconnect(ctx)

		select {
		case <-ctx.Done():
			return
		case <-r.closeCh:
			return
		default:
		}
	}
}

func (r *Replica) readUntilDisconnect(ctx context.Context) {
	r.sessionMu.Lock()
	sess := r.session
	r.sessionMu.Unlock()
	if sess == nil {
		return
	}

	for {
		env, err := sess.Recv()
		if err != nil {
			r.logger.Warn("session read failed, will reconnect", zap.Error(err))
			r.sessionMu.Lock()
			if r.session == sess {
				r.session = nil
			}
			r.sessionMu.Unlock()
			return
		}
		r.dispatch(ctx, env)
	}
}

func (r *Replica) dispatch(ctx context.Context, env transport.Envelope) {
	switch env.Kind {
	case transport.KindMutation:
		var m transport.MutationPayload
		if err := transport.Decode(env, &m); err != nil {
			r.logger.Warn("malformed MUTATION envelope", zap.Error(err))
			return
		}
		if err := r.ApplyMutation(ctx, m); err != nil {
			r.logger.Warn("apply mutation failed", zap.Error(err))
		}

	case transport.KindAck:
		var ack transport.AckPayload
		if err := transport.Decode(env, &ack); err != nil {
			r.logger.Warn("malformed ACK envelope", zap.Error(err))
			return
		}
		r.handleAck(ack)

	case transport.KindSnapshotRef:
		var ref transport.SnapshotRefPayload
		if err := transport.Decode(env, &ref); err != nil {
			r.logger.Warn("malformed SNAPSHOT_REF envelope", zap.Error(err))
			return
		}
		if err := r.LoadSnapshot(ctx, ref.URI); err != nil {
			r.logger.Error("snapshot catch-up failed", zap.Error(err))
		}

	case transport.KindError:
		var ep transport.ErrorPayload
		if err := transport.Decode(env, &ep); err != nil {
			return
		}
		r.logger.Warn("server error", zap.String("code", ep.Code), zap.String("message", ep.Message))

	case transport.KindPing:
		r.sessionMu.Lock()
		sess := r.session
		r.sessionMu.Unlock()
		if sess != nil {
			_ = sess.Send(transport.KindPong, struct{}{})
		}
	}
}

func sleepOrDone(ctx context.Context, closeCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-closeCh:
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	jitter := time.Duration(rand.Int63n(int64(next) / 4 + 1))
	return next - jitter/2
}
