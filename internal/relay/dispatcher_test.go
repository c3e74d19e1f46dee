package relay

import (
	"encoding/json"
	"testing"
	"time"

	"oracle-gateway/internal/config"
	"oracle-gateway/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			FeedURL:        "ws://127.0.0.1:1/feed",
			ConnectTimeout: time.Second,
			ReconnectDelay: 50 * time.Millisecond,
		},
		Auth: config.AuthConfig{Token: "test-secret"},
		Relay: config.RelayConfig{
			ClientBufferSize: 8,
			ClientMsgRate:    100,
			ClientMsgBurst:   100,
		},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestService() *Service {
	return NewService(testConfig(), nil, testLogger())
}

// addTestSession registers a session backed by no real socket; the tests
// read its queue directly instead of running a writePump.
func addTestSession(svc *Service, id string, buffer int) *Session {
	s := newSession(id, nil, buffer, rate.NewLimiter(100, 100), testLogger())
	svc.Registry.AddClient(id)
	svc.Manager.mu.Lock()
	svc.Manager.sessions[id] = s
	svc.Manager.mu.Unlock()
	return s
}

func queued(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case msg := <-s.send:
		return msg
	default:
		return nil
	}
}

func parseFrame(t *testing.T, raw string) *models.UpstreamFrame {
	t.Helper()
	frame, err := models.ParseUpstreamFrame([]byte(raw))
	if err != nil {
		t.Fatalf("Failed to parse test frame: %v", err)
	}
	return frame
}

func TestDispatchFiltersPricesPerClient(t *testing.T) {
	svc := newTestService()
	s1 := addTestSession(svc, "s1", 8)
	s2 := addTestSession(svc, "s2", 8)
	svc.Registry.Subscribe("s1", []string{"ETH/USD"})
	svc.Registry.Subscribe("s2", []string{"DOGE/USD"})

	frame := parseFrame(t, `{"oracle_prices":[
		{"pair":"BTC/USD","price":100},
		{"pair":"ETH/USD","price":50},
		{"pair":"SOL/USD","price":25}
	],"timestamp":1700000000}`)
	svc.dispatcher.Dispatch(frame)

	raw := queued(t, s1)
	if raw == nil {
		t.Fatal("Subscribed client got no update")
	}
	var update models.PriceUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		t.Fatalf("Failed to parse delivered update: %v", err)
	}
	if len(update.OraclePrices) != 1 {
		t.Fatalf("Expected exactly one entry, got %d", len(update.OraclePrices))
	}
	if pair := models.EntryPair(update.OraclePrices[0]); pair != "ETH/USD" {
		t.Errorf("Expected ETH/USD entry, got %s", pair)
	}
	if string(update.Timestamp) != "1700000000" {
		t.Errorf("Timestamp not carried through: %s", update.Timestamp)
	}

	// s2 wants DOGE/USD only; a non-empty payload with no matching entry
	// must not produce an empty update.
	if raw := queued(t, s2); raw != nil {
		t.Errorf("Unsubscribed client received update: %s", raw)
	}
}

func TestDispatchForwardsEmptyHeartbeat(t *testing.T) {
	svc := newTestService()
	s1 := addTestSession(svc, "s1", 8)

	frame := parseFrame(t, `{"oracle_prices":[],"timestamp":42}`)
	svc.dispatcher.Dispatch(frame)

	raw := queued(t, s1)
	if raw == nil {
		t.Fatal("Heartbeat with originally empty payload was not forwarded")
	}
	var update models.PriceUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		t.Fatalf("Failed to parse heartbeat: %v", err)
	}
	if len(update.OraclePrices) != 0 {
		t.Errorf("Heartbeat grew entries: %v", update.OraclePrices)
	}
}

func TestDispatchSuppressesAggregateAcks(t *testing.T) {
	svc := newTestService()
	s1 := addTestSession(svc, "s1", 8)
	svc.Registry.Subscribe("s1", []string{"BTC/USD"})

	svc.dispatcher.Dispatch(parseFrame(t, `{"msg_type":"subscribe","pairs":["BTC/USD","ETH/USD"],"status":"subscribed"}`))
	svc.dispatcher.Dispatch(parseFrame(t, `{"msg_type":"unsubscribe","pairs":["ETH/USD"],"status":"unsubscribed"}`))

	if raw := queued(t, s1); raw != nil {
		t.Errorf("Aggregate ack forwarded to client: %s", raw)
	}
}

func TestDispatchForwardsUnknownFramesVerbatim(t *testing.T) {
	svc := newTestService()
	s1 := addTestSession(svc, "s1", 8)

	payload := `{"msg_type":"system_notice","detail":"maintenance at noon"}`
	svc.dispatcher.Dispatch(parseFrame(t, payload))

	raw := queued(t, s1)
	if raw == nil {
		t.Fatal("Unknown frame was not forwarded")
	}
	if string(raw) != payload {
		t.Errorf("Unknown frame modified in flight: %s", raw)
	}
}

func TestDispatchSkipsClosedSessions(t *testing.T) {
	svc := newTestService()
	s1 := addTestSession(svc, "s1", 8)
	svc.Registry.Subscribe("s1", []string{"BTC/USD"})
	s1.Close()

	svc.dispatcher.Dispatch(parseFrame(t, `{"oracle_prices":[{"pair":"BTC/USD","price":100}],"timestamp":1}`))

	if raw := queued(t, s1); raw != nil {
		t.Errorf("Closed session received update: %s", raw)
	}
}

func TestDispatchMarshalFailureSkipsClientOnly(t *testing.T) {
	svc := newTestService()
	s1 := addTestSession(svc, "s1", 8)
	s2 := addTestSession(svc, "s2", 8)
	svc.Registry.Subscribe("s1", []string{"BTC/USD"})
	svc.Registry.Subscribe("s2", []string{"BTC/USD"})

	// A frame whose timestamp is not valid JSON cannot be re-marshaled
	// into a per-client update. It must be dropped without closing anyone
	// or stopping the session loop.
	bad := &models.UpstreamFrame{
		HasPrices: true,
		Prices:    []json.RawMessage{json.RawMessage(`{"pair":"BTC/USD","price":100}`)},
		Timestamp: json.RawMessage(`{`),
	}
	svc.dispatcher.Dispatch(bad)

	if raw := queued(t, s1); raw != nil {
		t.Errorf("Unmarshalable update delivered anyway: %s", raw)
	}
	if s1.Closed() || s2.Closed() {
		t.Error("Marshal failure closed a session")
	}

	svc.dispatcher.Dispatch(parseFrame(t, `{"oracle_prices":[{"pair":"BTC/USD","price":101}],"timestamp":2}`))
	if queued(t, s1) == nil {
		t.Error("First client got nothing after the bad frame")
	}
	if queued(t, s2) == nil {
		t.Error("Second client got nothing after the bad frame")
	}
}

func TestDispatchEvictsClientWithFullQueue(t *testing.T) {
	svc := newTestService()
	s1 := addTestSession(svc, "s1", 1)
	svc.Registry.Subscribe("s1", []string{"BTC/USD"})

	frame := parseFrame(t, `{"oracle_prices":[{"pair":"BTC/USD","price":100}],"timestamp":1}`)
	svc.dispatcher.Dispatch(frame) // fills the 1-slot queue
	svc.dispatcher.Dispatch(frame) // overflows: eviction

	if !s1.Closed() {
		t.Error("Overflowing session was not closed")
	}
	svc.Manager.mu.RLock()
	_, stillTracked := svc.Manager.sessions["s1"]
	svc.Manager.mu.RUnlock()
	if stillTracked {
		t.Error("Evicted session still tracked by manager")
	}
	if svc.Registry.ClientCount() != 0 {
		t.Error("Evicted session still registered")
	}
}
