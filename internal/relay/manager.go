package relay

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"oracle-gateway/internal/config"
	"oracle-gateway/internal/metrics"
	"oracle-gateway/internal/models"
	"oracle-gateway/internal/pairs"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Manager owns the downstream session collection: accept, authenticate,
// track, evict. It bridges inbound client control messages into the
// registry and the upstream connection.
type Manager struct {
	registry *Registry
	upstream *Upstream
	logger   *logrus.Logger

	authToken  string
	bufferSize int
	msgRate    float64
	msgBurst   int

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg *config.Config, registry *Registry, upstream *Upstream, logger *logrus.Logger) *Manager {
	return &Manager{
		registry:   registry,
		upstream:   upstream,
		logger:     logger,
		authToken:  cfg.Auth.Token,
		bufferSize: cfg.Relay.ClientBufferSize,
		msgRate:    cfg.Relay.ClientMsgRate,
		msgBurst:   cfg.Relay.ClientMsgBurst,
		sessions:   make(map[string]*Session),
	}
}

// Accept upgrades an inbound connection, validates the bearer credential
// and runs the session's read loop until disconnect. The upstream feed is
// NOT connected here; that happens lazily on the first subscribe.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	if !m.authorized(r) {
		metrics.RejectedHandshakes.Inc()
		m.logger.WithField("remote", r.RemoteAddr).Warn("Rejected client with bad credentials")
		closeWithPolicyViolation(conn, "invalid credentials")
		return
	}

	limiter := rate.NewLimiter(rate.Limit(m.msgRate), m.msgBurst)
	session := newSession(uuid.NewString(), conn, m.bufferSize, limiter, m.logger)

	m.registry.AddClient(session.ID)
	m.mu.Lock()
	m.sessions[session.ID] = session
	total := len(m.sessions)
	m.mu.Unlock()

	metrics.ConnectedClients.Set(float64(total))
	session.logger.WithField("total_clients", total).Info("Client connected")

	go session.writePump()
	m.readPump(session)
}

// authorized checks the static bearer secret. Browsers cannot set custom
// headers on WebSocket handshakes, so a token query parameter is accepted
// as equivalent handshake metadata.
func (m *Manager) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") {
		token = ""
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.authToken)) == 1
}

// readPump consumes inbound messages until the client goes away, then
// triggers the session's teardown.
func (m *Manager) readPump(session *Session) {
	defer m.Disconnect(session)

	session.conn.SetReadLimit(maxMessageSize)
	_ = session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				session.logger.WithError(err).Debug("Client read error")
			}
			return
		}
		m.handleInbound(session, raw)
	}
}

// handleInbound parses one client control message. A bad message yields an
// error reply to that client only; it never closes the connection.
func (m *Manager) handleInbound(session *Session, raw []byte) {
	if !session.limiter.Allow() {
		metrics.ClientMessages.WithLabelValues("rate_limited").Inc()
		m.reply(session, models.ErrorReply{
			Error:   "Rate limited",
			Details: "Too many messages, slow down",
		})
		return
	}

	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.ClientMessages.WithLabelValues("invalid").Inc()
		m.reply(session, models.ErrorReply{
			Error:   "Invalid JSON",
			Details: "Message must be valid JSON",
		})
		return
	}

	switch msg.MsgType {
	case models.MsgTypeSubscribe:
		metrics.ClientMessages.WithLabelValues("subscribe").Inc()
		m.subscribe(session, msg.Pairs)

	case models.MsgTypeUnsubscribe:
		metrics.ClientMessages.WithLabelValues("unsubscribe").Inc()
		m.unsubscribe(session, msg.Pairs)

	default:
		metrics.ClientMessages.WithLabelValues("invalid").Inc()
		m.reply(session, models.ErrorReply{
			Error:   "Invalid message type",
			Details: "msg_type must be either 'subscribe' or 'unsubscribe'",
		})
	}
}

func (m *Manager) subscribe(session *Session, requested []string) {
	normalized := pairs.Normalize(requested)

	added, ok := m.registry.Subscribe(session.ID, normalized)
	if !ok {
		// Session already evicted; nothing to do.
		return
	}

	// Lazily bring the upstream up on first demand. Pairs that were
	// already covered need no round-trip: the confirmation below is
	// synthetic, backed by the existing aggregate subscription.
	if m.registry.DesiredCount() > 0 && !m.upstream.Connected() {
		m.upstream.Connect()
	}

	if len(added) > 0 {
		if err := m.upstream.SendControl(models.MsgTypeSubscribe, m.registry.Desired()); err != nil {
			session.logger.WithError(err).Warn("Failed to forward subscribe upstream, will replay on reconnect")
		}
	}

	m.reply(session, models.SubscriptionAck{
		MsgType: models.MsgTypeSubscribe,
		Pairs:   normalized,
		Status:  models.StatusSubscribed,
	})
}

func (m *Manager) unsubscribe(session *Session, requested []string) {
	normalized := pairs.Normalize(requested)

	orphaned, ok := m.registry.Unsubscribe(session.ID, normalized)
	if !ok {
		return
	}

	if len(orphaned) > 0 && m.upstream.Connected() {
		if err := m.upstream.SendControl(models.MsgTypeUnsubscribe, m.registry.Desired()); err != nil {
			session.logger.WithError(err).Warn("Failed to forward unsubscribe upstream")
		}
	}

	m.reply(session, models.SubscriptionAck{
		MsgType: models.MsgTypeUnsubscribe,
		Pairs:   normalized,
		Status:  models.StatusUnsubscribed,
	})

	// Nobody wants anything anymore; the feed goes idle until the next
	// subscribe brings it back.
	if m.registry.DesiredCount() == 0 {
		m.upstream.Close()
	}
}

// reply marshals and enqueues a direct reply to one client.
func (m *Manager) reply(session *Session, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		session.logger.WithError(err).Error("Failed to marshal client reply")
		return
	}
	if !session.trySend(data) {
		session.logger.Debug("Dropped reply to slow or closed client")
	}
}

// Disconnect removes a session, pushes upstream unsubscribes for pairs it
// orphaned and tears the upstream down when it was the last client.
// Idempotent: a second call for the same session is a no-op.
func (m *Manager) Disconnect(session *Session) {
	m.mu.Lock()
	if _, ok := m.sessions[session.ID]; !ok {
		m.mu.Unlock()
		session.Close()
		return
	}
	delete(m.sessions, session.ID)
	total := len(m.sessions)
	m.mu.Unlock()

	orphaned := m.registry.RemoveClient(session.ID)
	session.Close()

	if len(orphaned) > 0 && m.upstream.Connected() {
		if err := m.upstream.SendControl(models.MsgTypeUnsubscribe, m.registry.Desired()); err != nil {
			m.logger.WithError(err).Warn("Failed to forward unsubscribe upstream during disconnect")
		}
	}

	if m.registry.ClientCount() == 0 {
		m.upstream.Close()
	}

	metrics.ConnectedClients.Set(float64(total))
	session.logger.WithField("total_clients", total).Info("Client disconnected")
}

// Sessions returns a snapshot of the current sessions for the dispatcher.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	return out
}

// CloseAll disconnects every session, used during graceful shutdown.
func (m *Manager) CloseAll() {
	for _, session := range m.Sessions() {
		m.Disconnect(session)
	}
}
