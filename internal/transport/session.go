package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

// Session wraps one gorilla/websocket connection with the envelope
// codec and a write mutex (gorilla/websocket connections support one
// concurrent writer and one concurrent reader, not more). Used
// symmetrically by both the coordinator's subscriber hub and the client
// replica's reconnect loop.
type Session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
}

// NewSession wraps an established websocket connection.
func NewSession(conn *websocket.Conn, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{conn: conn, logger: logger.Named("transport_session")}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(IdleTimeout))
	})
	return s
}

// Send serializes and writes one envelope. The encoded bytes are copied
// into a pooled write buffer; encoding the payload and the envelope
// still allocates on every call.
func (s *Session) Send(kind Kind, payload any) error {
	env, err := Encode(kind, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", kind, err)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	data, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// SendPing writes a control-frame ping. The read deadline is reset when
// the corresponding pong arrives, by the pong handler NewSession
// installs.
func (s *Session) SendPing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Recv blocks for the next envelope.
func (s *Session) Recv() (Envelope, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	return unmarshalEnvelope(data)
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// SetReadDeadline resets the idle timeout; called after any successful
// read, including pongs (set via SetPongHandler in NewSession).
func (s *Session) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}
