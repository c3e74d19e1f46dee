package relay

import (
	"net/http"

	"oracle-gateway/internal/config"
	"oracle-gateway/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// Service wires the registry, upstream connection, dispatcher and session
// manager into the externally visible WebSocket endpoint. All state hangs
// off this explicitly constructed instance; there is no package-level
// singleton.
type Service struct {
	Registry *Registry
	Upstream *Upstream
	Manager  *Manager

	dispatcher *Dispatcher
	logger     *logrus.Logger
}

func NewService(cfg *config.Config, publisher *pubsub.Publisher, logger *logrus.Logger) *Service {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, publisher, logger)
	upstream := NewUpstream(cfg.Upstream, registry, dispatcher.Dispatch, logger)
	manager := NewManager(cfg, registry, upstream, logger)
	dispatcher.Attach(manager)

	return &Service{
		Registry:   registry,
		Upstream:   upstream,
		Manager:    manager,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handler returns the WebSocket endpoint handler.
func (s *Service) Handler() http.HandlerFunc {
	return s.Manager.Accept
}

// Shutdown disconnects every client and tears down the upstream feed.
func (s *Service) Shutdown() {
	s.logger.Info("Shutting down relay service...")
	s.Manager.CloseAll()
	s.Upstream.Close()
}
