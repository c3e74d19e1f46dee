package pubsub

import (
	"context"
	"encoding/json"

	"oracle-gateway/internal/metrics"
	"oracle-gateway/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Publisher mirrors upstream price updates onto a Redis channel so sibling
// services can consume the feed without holding their own WebSocket. A nil
// Publisher is valid and publishes nothing.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

func NewPublisher(client *redis.Client, channel string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// PublishPrices publishes a batch of typed price entries. Fire-and-forget:
// failures are counted and logged, never propagated to the relay path.
func (p *Publisher) PublishPrices(ctx context.Context, prices []models.OraclePrice) {
	if p == nil || p.client == nil || len(prices) == 0 {
		return
	}

	data, err := json.Marshal(prices)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to marshal price mirror payload")
		return
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		metrics.MirrorPublishes.WithLabelValues("failure").Inc()
		p.logger.WithError(err).Warn("Failed to publish price mirror")
		return
	}

	metrics.MirrorPublishes.WithLabelValues("success").Inc()
}
