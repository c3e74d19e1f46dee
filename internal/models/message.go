package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Message types accepted from downstream clients and sent to the upstream
// feed. The control protocol uses the same two verbs in both directions.
const (
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
)

// Subscription confirmation statuses echoed to clients.
const (
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
)

// ClientMessage is an inbound control message from a downstream client.
type ClientMessage struct {
	MsgType string   `json:"msg_type"`
	Pairs   []string `json:"pairs"`
}

// ControlFrame is sent to the upstream feed. Pairs always carries the full
// current desired set, never a delta, so repeated frames are idempotent.
type ControlFrame struct {
	MsgType string   `json:"msg_type"`
	Pairs   []string `json:"pairs"`
}

// SubscriptionAck confirms a subscribe/unsubscribe back to the client that
// requested it.
type SubscriptionAck struct {
	MsgType string   `json:"msg_type"`
	Pairs   []string `json:"pairs"`
	Status  string   `json:"status"`
}

// ErrorReply is returned to a client for a bad message. The connection
// stays open.
type ErrorReply struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// PriceUpdate is the filtered payload delivered to a client.
type PriceUpdate struct {
	OraclePrices []json.RawMessage `json:"oracle_prices"`
	Timestamp    json.RawMessage   `json:"timestamp,omitempty"`
}

// UpstreamFrame is a partially decoded frame from the price feed. Entries
// stay as raw JSON so unknown fields survive the relay untouched.
type UpstreamFrame struct {
	MsgType   string
	Status    string
	Prices    []json.RawMessage
	HasPrices bool
	Timestamp json.RawMessage
	Raw       []byte
}

// IsAck reports whether the frame is a subscribe/unsubscribe acknowledgement
// for the relay's own aggregate subscription.
func (f *UpstreamFrame) IsAck() bool {
	return f.MsgType == MsgTypeSubscribe || f.MsgType == MsgTypeUnsubscribe
}

// ParseUpstreamFrame decodes just enough of a feed frame to route it.
// A pointer is used for oracle_prices so an explicitly empty array (a
// heartbeat) is distinguishable from a frame without prices at all.
func ParseUpstreamFrame(raw []byte) (*UpstreamFrame, error) {
	var probe struct {
		MsgType      string             `json:"msg_type"`
		Status       string             `json:"status"`
		OraclePrices *[]json.RawMessage `json:"oracle_prices"`
		Timestamp    json.RawMessage    `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	frame := &UpstreamFrame{
		MsgType:   probe.MsgType,
		Status:    probe.Status,
		Timestamp: probe.Timestamp,
		Raw:       raw,
	}
	if probe.OraclePrices != nil {
		frame.HasPrices = true
		frame.Prices = *probe.OraclePrices
	}

	return frame, nil
}

// EntryPair peeks the pair field of a single price entry. Returns "" when
// the entry has no pair, in which case it matches no subscription.
func EntryPair(entry json.RawMessage) string {
	var probe struct {
		Pair string `json:"pair"`
	}
	if err := json.Unmarshal(entry, &probe); err != nil {
		return ""
	}
	return probe.Pair
}

// OraclePrice is the typed form of a price entry, used when mirroring
// updates to Redis for sibling services.
type OraclePrice struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// DecodeOraclePrices converts raw price entries into typed ones, skipping
// any entry that does not decode.
func DecodeOraclePrices(entries []json.RawMessage) []OraclePrice {
	out := make([]OraclePrice, 0, len(entries))
	for _, entry := range entries {
		var price OraclePrice
		if err := json.Unmarshal(entry, &price); err != nil {
			continue
		}
		if price.Pair == "" {
			continue
		}
		out = append(out, price)
	}
	return out
}
