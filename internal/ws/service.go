package ws

import (
	"context"
	"log/slog"

	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/router"
	"github.com/openmoba/broker/internal/worker"
)

// ServiceConfig holds the gateway dependencies.
type ServiceConfig struct {
	Dispatcher    *worker.Dispatcher
	LaneBuffer    int
	TombstoneSize int
	Handler       HandlerOptions
	Logger        *slog.Logger
}

// Service ties the dispatcher, the router and the websocket gateway
// together and runs them as one unit.
type Service struct {
	dispatcher *worker.Dispatcher
	router     *router.Router
	hub        *Hub
	handler    *Handler
	logger     *slog.Logger
}

// Status is a snapshot for health reporting.
type Status struct {
	Clients       int             `json:"clients"`
	Lanes         int             `json:"lanes"`
	Sessions      worker.Snapshot `json:"sessions"`
	UnknownEvents int64           `json:"unknownEvents"`
}

// NewService creates a new gateway service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = worker.New(worker.Config{Logger: cfg.Logger})
	}

	hub := NewHub(cfg.Logger)
	r := router.New(router.Config{
		Dispatcher:    cfg.Dispatcher,
		Broadcast:     hub,
		LaneBuffer:    cfg.LaneBuffer,
		TombstoneSize: cfg.TombstoneSize,
		Logger:        cfg.Logger,
	})

	opts := cfg.Handler
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	if opts.OnUnknown == nil {
		opts.OnUnknown = cfg.Dispatcher.ReportUnknown
	}

	return &Service{
		dispatcher: cfg.Dispatcher,
		router:     r,
		hub:        hub,
		handler:    NewHandler(hub, r, opts),
		logger:     cfg.Logger.With("component", "gateway"),
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Router returns the session router.
func (s *Service) Router() *router.Router {
	return s.router
}

// Hub returns the broadcast hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Run runs the dispatcher and the router until ctx is cancelled, then
// disconnects every client.
func (s *Service) Run(ctx context.Context) error {
	routed := make(chan struct{})
	go func() {
		defer close(routed)
		s.router.Run(s.dispatcher.Events())
	}()

	err := s.dispatcher.Run(ctx)
	<-routed
	s.hub.Close()
	s.logger.Info("gateway stopped")
	return err
}

// Submit sends a command on behalf of a non-websocket caller. For
// CONNECT_SHELL the returned LaneInit tells the caller where to attach.
func (s *Service) Submit(ctx context.Context, cmd message.Command) (*LaneInit, error) {
	lane, err := s.router.Submit(ctx, cmd)
	if err != nil || lane == nil {
		return nil, err
	}
	return &LaneInit{
		SessionID: lane.SessionID(),
		Path:      s.handler.LanePath(lane.SessionID()),
		Token:     lane.Token(),
	}, nil
}

// Status reports client, lane and session counts.
func (s *Service) Status() Status {
	return Status{
		Clients:       s.hub.ClientCount(),
		Lanes:         s.router.LaneCount(),
		Sessions:      s.dispatcher.Snapshot(),
		UnknownEvents: s.router.UnknownCount(),
	}
}
