package relay

import (
	"context"
	"encoding/json"
	"time"

	"oracle-gateway/internal/metrics"
	"oracle-gateway/internal/models"
	"oracle-gateway/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// Dispatcher fans every upstream frame out to the connected sessions,
// filtering price arrays down to each client's subscription set. Delivery
// goes through per-session buffered queues, so one slow client never stalls
// the dispatch loop or another client's stream.
type Dispatcher struct {
	registry  *Registry
	publisher *pubsub.Publisher
	logger    *logrus.Logger

	manager *Manager
}

func NewDispatcher(registry *Registry, publisher *pubsub.Publisher, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
	}
}

// Attach binds the session manager. Done after construction because the
// manager also carries the upstream reference that feeds this dispatcher.
func (d *Dispatcher) Attach(manager *Manager) {
	d.manager = manager
}

// Dispatch routes one parsed upstream frame.
//
// Aggregate subscribe/unsubscribe acks are swallowed: they describe the
// relay's union subscription, which is meaningless to an individual client.
// Per-client confirmations are synthesized on the registry path instead.
func (d *Dispatcher) Dispatch(frame *models.UpstreamFrame) {
	switch {
	case frame.IsAck():
		metrics.UpstreamFrames.WithLabelValues("ack").Inc()
		d.logger.WithFields(logrus.Fields{
			"msg_type": frame.MsgType,
			"status":   frame.Status,
		}).Debug("Upstream acknowledged aggregate subscription change")

	case frame.HasPrices:
		metrics.UpstreamFrames.WithLabelValues("price").Inc()
		d.dispatchPrices(frame)

	default:
		// Unknown shapes are forwarded verbatim to every client for
		// forward compatibility with new upstream control messages.
		metrics.UpstreamFrames.WithLabelValues("other").Inc()
		for _, session := range d.manager.Sessions() {
			d.deliver(session, frame.Raw)
		}
	}
}

// priceEntry pairs a raw entry with its peeked pair so the pair is decoded
// once per frame, not once per client.
type priceEntry struct {
	raw  json.RawMessage
	pair string
}

func (d *Dispatcher) dispatchPrices(frame *models.UpstreamFrame) {
	entries := make([]priceEntry, 0, len(frame.Prices))
	for _, raw := range frame.Prices {
		entries = append(entries, priceEntry{raw: raw, pair: models.EntryPair(raw)})
	}

	d.mirror(frame)

	for _, session := range d.manager.Sessions() {
		if session.Closed() {
			continue
		}

		subscribed := d.registry.ClientPairs(session.ID)

		filtered := make([]json.RawMessage, 0, len(entries))
		for _, entry := range entries {
			if _, ok := subscribed[entry.pair]; ok {
				filtered = append(filtered, entry.raw)
			}
		}

		// An empty filtered set from a non-empty payload means nothing
		// of interest for this client; skip it rather than spamming
		// empty updates. Originally-empty payloads (heartbeats) are
		// forwarded as-is.
		if len(filtered) == 0 && len(entries) > 0 {
			continue
		}

		update := models.PriceUpdate{
			OraclePrices: filtered,
			Timestamp:    frame.Timestamp,
		}
		message, err := json.Marshal(update)
		if err != nil {
			// Skip this client only; the rest of the loop must not lose
			// their updates to one bad payload.
			d.logger.WithError(err).WithField("session_id", session.ID).Error("Failed to marshal price update")
			continue
		}

		d.deliver(session, message)
	}
}

// deliver enqueues one message. A session that cannot keep up is evicted so
// it cannot stall the dispatch loop; its teardown is isolated from every
// other client.
func (d *Dispatcher) deliver(session *Session, message []byte) {
	if session.Closed() {
		return
	}
	if session.trySend(message) {
		metrics.TrackDelivery(true)
		return
	}

	metrics.TrackDelivery(false)
	metrics.EvictedClients.Inc()
	d.logger.WithField("session_id", session.ID).Warn("Client queue full, evicting")
	d.manager.Disconnect(session)
}

// mirror re-publishes the typed price entries to Redis when configured.
func (d *Dispatcher) mirror(frame *models.UpstreamFrame) {
	if d.publisher == nil || len(frame.Prices) == 0 {
		return
	}
	prices := models.DecodeOraclePrices(frame.Prices)
	if len(prices) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.publisher.PublishPrices(ctx, prices)
}
