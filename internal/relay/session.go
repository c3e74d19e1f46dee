package relay

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Session owns exactly one downstream client connection. The writePump
// goroutine is the only writer on the socket; everything else enqueues onto
// send and never blocks on the client's network.
type Session struct {
	ID string

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closed  int32
	limiter *rate.Limiter
	logger  *logrus.Entry
}

func newSession(id string, conn *websocket.Conn, bufferSize int, limiter *rate.Limiter, logger *logrus.Logger) *Session {
	return &Session{
		ID:      id,
		conn:    conn,
		send:    make(chan []byte, bufferSize),
		done:    make(chan struct{}),
		limiter: limiter,
		logger:  logger.WithField("session_id", id),
	}
}

// Closed reports whether teardown has begun for this session.
func (s *Session) Closed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// Close begins teardown. Idempotent; the first caller closes done, which
// stops the writePump and releases the socket.
func (s *Session) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.done)
}

// trySend enqueues a message without blocking. Returns false when the
// session is closed or its buffer is full; the caller decides whether that
// means eviction.
func (s *Session) trySend(message []byte) bool {
	if s.Closed() {
		return false
	}
	select {
	case <-s.done:
		return false
	case s.send <- message:
		return true
	default:
		return false
	}
}

// closeWithPolicyViolation sends a policy-violation close frame, used when
// the handshake carried bad credentials and no session will be created.
func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. Runs until Close or a write error.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.WithError(err).Debug("Client write failed")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
