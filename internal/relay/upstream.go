package relay

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"oracle-gateway/internal/config"
	"oracle-gateway/internal/metrics"
	"oracle-gateway/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Upstream manages the single shared connection to the external price feed:
// lazy connect, control frames, frame intake and reconnection. The socket
// handle is exclusively owned here; all sends go through SendControl.
//
// State machine: Idle -> Connecting -> Connected -> (Disconnected ->
// Connecting after the retry delay) | Idle when no clients remain.
type Upstream struct {
	url            string
	apiKey         string
	connectTimeout time.Duration
	reconnectDelay time.Duration

	registry *Registry
	dispatch func(*models.UpstreamFrame)
	logger   *logrus.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	// generation invalidates read loops and disconnect handling from
	// connections that have already been replaced or torn down.
	generation uint64
}

func NewUpstream(cfg config.UpstreamConfig, registry *Registry, dispatch func(*models.UpstreamFrame), logger *logrus.Logger) *Upstream {
	return &Upstream{
		url:            cfg.FeedURL,
		apiKey:         cfg.APIKey,
		connectTimeout: cfg.ConnectTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		registry:       registry,
		dispatch:       dispatch,
		logger:         logger,
	}
}

// Connected reports whether a live feed connection is held.
func (u *Upstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

// Connect establishes the feed connection and replays the full desired set.
// Failures are logged, not returned; a retry is scheduled while clients
// remain. A call made while another connect is in flight is a no-op.
func (u *Upstream) Connect() {
	u.mu.Lock()
	if u.connecting {
		u.mu.Unlock()
		u.logger.Debug("Upstream connect already in progress, skipping")
		return
	}
	if u.conn != nil {
		u.mu.Unlock()
		return
	}
	u.connecting = true
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.connecting = false
		u.mu.Unlock()
	}()

	dialer := &websocket.Dialer{HandshakeTimeout: u.connectTimeout}
	header := http.Header{}
	if u.apiKey != "" {
		header.Set("Authorization", "Bearer "+u.apiKey)
	}

	conn, _, err := dialer.Dial(u.url, header)
	if err != nil {
		u.logger.WithError(err).Warn("Failed to connect to upstream feed")
		u.scheduleRetry()
		return
	}

	u.mu.Lock()
	u.conn = conn
	u.generation++
	gen := u.generation
	u.mu.Unlock()

	metrics.UpstreamConnected.Set(1)
	u.logger.WithField("url", u.url).Info("Upstream feed connected")

	// The last client may have disconnected while the dial was in flight.
	if u.registry.ClientCount() == 0 {
		u.logger.Info("No clients remain after connect, closing upstream")
		u.Close()
		return
	}

	// Replay the aggregate subscription so a reconnect picks up exactly
	// where the dropped connection left off.
	if desired := u.registry.Desired(); len(desired) > 0 {
		if err := u.SendControl(models.MsgTypeSubscribe, desired); err != nil {
			u.logger.WithError(err).Warn("Failed to replay subscriptions upstream")
		}
	}

	go u.readLoop(conn, gen)
}

// SendControl sends a subscribe/unsubscribe frame. pairs must be the full
// current desired set, not a delta; the feed treats each frame as the
// complete subscription list, which makes retries idempotent.
func (u *Upstream) SendControl(msgType string, pairs []string) error {
	frame := models.ControlFrame{MsgType: msgType, Pairs: pairs}
	if frame.Pairs == nil {
		frame.Pairs = []string{}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		return fmt.Errorf("upstream not connected")
	}
	if err := u.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send %s control frame: %w", msgType, err)
	}

	metrics.ControlFrames.WithLabelValues(msgType).Inc()
	u.logger.WithFields(logrus.Fields{
		"msg_type": msgType,
		"pairs":    len(pairs),
	}).Debug("Sent upstream control frame")
	return nil
}

// Close tears the connection down, used when the last client disconnects or
// the desired set empties. Serialized against Connect through u.mu, so a
// subscribe racing a teardown simply dials a fresh connection afterwards.
func (u *Upstream) Close() {
	u.mu.Lock()
	u.generation++
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()

	metrics.UpstreamConnected.Set(0)
	u.logger.Info("Upstream feed connection closed")

	// A subscribe racing this teardown may have put its pairs into the
	// registry and then lost its control frame to the closing socket. The
	// registry is the source of truth: when anything is still desired the
	// feed must come back, with the fresh dial replaying the full set.
	if u.registry.DesiredCount() > 0 {
		u.logger.Info("Pairs still desired after close, redialing upstream")
		go u.Connect()
	}
}

// readLoop consumes frames until the connection drops. Malformed JSON is
// logged and dropped, never fatal to the connection.
func (u *Upstream) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			u.handleDisconnect(gen, err)
			return
		}

		frame, perr := models.ParseUpstreamFrame(raw)
		if perr != nil {
			metrics.UpstreamFrames.WithLabelValues("invalid").Inc()
			u.logger.WithError(perr).Warn("Dropping malformed upstream frame")
			continue
		}

		u.dispatch(frame)
	}
}

// handleDisconnect clears the handle and, while at least one client is still
// registered, schedules a reconnect. With zero clients the upstream stays
// down until a new subscribe arrives.
func (u *Upstream) handleDisconnect(gen uint64, err error) {
	u.mu.Lock()
	if gen != u.generation {
		// This connection was already replaced or deliberately closed.
		u.mu.Unlock()
		return
	}
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
	u.generation++
	u.mu.Unlock()

	metrics.UpstreamConnected.Set(0)

	if u.registry.ClientCount() == 0 {
		u.logger.Info("Upstream feed disconnected with no clients, staying idle")
		return
	}

	u.logger.WithError(err).Warnf("Upstream feed disconnected, reconnecting in %s", u.reconnectDelay)
	u.scheduleRetry()
}

func (u *Upstream) scheduleRetry() {
	time.AfterFunc(u.reconnectDelay, func() {
		// Checked at fire time, not schedule time: the clients or the
		// desired set may have drained while the retry was pending, and a
		// connection holding zero subscriptions has no reason to exist.
		if u.registry.ClientCount() == 0 || u.registry.DesiredCount() == 0 {
			return
		}
		metrics.UpstreamReconnects.Inc()
		u.Connect()
	})
}
