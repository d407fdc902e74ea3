package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openmoba/broker/internal/model"
)

// Registry tracks the live desktop sessions of one protocol.
type Registry struct {
	protocol model.Protocol
	dialer   Dialer
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[model.SessionID]*Session
	pending  map[model.SessionID]context.CancelFunc
}

// NewRegistry creates a registry whose sessions are dialed with d. A nil
// d refuses every connect with model.ErrProtocolNotSupported.
func NewRegistry(protocol model.Protocol, d Dialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if d == nil {
		d = DialerFunc(func(context.Context, model.ConnectionConfig, Handler) (Conn, error) {
			return nil, fmt.Errorf("%w: %s is disabled", model.ErrProtocolNotSupported, protocol)
		})
	}
	return &Registry{
		protocol: protocol,
		dialer:   d,
		logger:   logger.With("component", "desktop", "protocol", string(protocol)),
		sessions: make(map[model.SessionID]*Session),
		pending:  make(map[model.SessionID]context.CancelFunc),
	}
}

// Protocol returns the protocol this registry serves.
func (r *Registry) Protocol() model.Protocol { return r.protocol }

// Connect dials a new session under id. It fails with
// model.ErrDuplicateSession while another session with the id is live or
// still connecting. The session is registered only once it is Connected and
// leaves the registry when it closes.
func (r *Registry) Connect(ctx context.Context, id model.SessionID, cfg model.ConnectionConfig, cb Callbacks) (*Session, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = r.protocol
	}
	if cfg.Protocol != r.protocol {
		return nil, fmt.Errorf("%w: %s session in %s registry", model.ErrInvalidConfig, cfg.Protocol, r.protocol)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateSession, id)
	}
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateSession, id)
	}
	r.pending[id] = cancel
	r.mu.Unlock()

	var self *Session
	var selfMu sync.Mutex
	onClose := cb.OnClose
	cb.OnClose = func(err error) {
		selfMu.Lock()
		s := self
		selfMu.Unlock()
		if s != nil {
			r.remove(id, s)
		}
		if onClose != nil {
			onClose(err)
		}
	}

	s, err := Connect(ctx, id, cfg, r.dialer, cb, r.logger)

	r.mu.Lock()
	_, stillPending := r.pending[id]
	delete(r.pending, id)
	if err != nil {
		r.mu.Unlock()
		if !stillPending {
			return nil, fmt.Errorf("%w: connect cancelled", model.ErrDisconnected)
		}
		return nil, err
	}
	if !stillPending {
		r.mu.Unlock()
		s.Close()
		return nil, fmt.Errorf("%w: connect cancelled", model.ErrDisconnected)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	selfMu.Lock()
	self = s
	selfMu.Unlock()
	// A close that raced registration found no self to remove.
	if s.State() != StateConnected {
		r.remove(id, s)
		return nil, fmt.Errorf("%w: closed after connect", model.ErrDisconnected)
	}
	return s, nil
}

// Get returns the live session for id.
func (r *Registry) Get(id model.SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Close closes the session or cancels its pending connect. Unknown ids are
// ignored. It reports whether anything was found.
func (r *Registry) Close(id model.SessionID) bool {
	r.mu.Lock()
	if cancel, ok := r.pending[id]; ok {
		delete(r.pending, id)
		r.mu.Unlock()
		cancel()
		return true
	}
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// CloseAll closes every session and cancels every pending connect.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	cancels := make([]context.CancelFunc, 0, len(r.pending))
	for _, c := range r.pending {
		cancels = append(cancels, c)
	}
	r.sessions = make(map[model.SessionID]*Session)
	r.pending = make(map[model.SessionID]context.CancelFunc)
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, s := range sessions {
		s.Close()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(id model.SessionID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
}
