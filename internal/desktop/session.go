// Package desktop holds the protocol independent side of remote desktop
// sessions. A protocol package (vnc, rdp) supplies a Dialer; Session runs
// the state machine around the Conn it returns and Registry keys sessions
// by id.
package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openmoba/broker/internal/model"
)

// State is the lifecycle state of a desktop session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Frame is one updated rectangle of the remote framebuffer.
type Frame struct {
	X, Y          int
	Width, Height int
	BitsPerPixel  int
	// Compressed is set when Data is still in the protocol's bitmap codec.
	Compressed bool
	Data       []byte
}

// Info is what the handshake negotiated.
type Info struct {
	Width, Height int
	Name          string
}

// Handler receives what a Conn produces. Closed is called at most once.
type Handler interface {
	Frame(f Frame)
	Closed(err error)
}

// Conn is a live protocol connection. Input codes are protocol native.
type Conn interface {
	Info() Info
	Key(code uint32, pressed bool) error
	Pointer(x, y uint16, mask uint8) error
	Wheel(x, y, step uint16, negative, horizontal bool) error
	Close() error
}

// Dialer opens a Conn and delivers its output to h. Frames may reach h
// before Dial returns.
type Dialer interface {
	Dial(ctx context.Context, cfg model.ConnectionConfig, h Handler) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg model.ConnectionConfig, h Handler) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, cfg model.ConnectionConfig, h Handler) (Conn, error) {
	return f(ctx, cfg, h)
}

// Callbacks receive session output. They run with the session lock held so
// that no frame is delivered before OnConnected or after OnClose.
type Callbacks struct {
	OnConnected func(info Info)
	OnFrame     func(f Frame)
	// OnClose runs exactly once. err is nil for a local or remote close.
	OnClose func(err error)
}

// Session is one remote desktop connection.
type Session struct {
	id       model.SessionID
	protocol model.Protocol
	cb       Callbacks
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	conn    Conn
	info    Info
	pending []Frame
	closed  bool
}

// Connect dials cfg and returns a Connected session. OnConnected has run by
// the time Connect returns; frames that arrived during the handshake follow
// it in order.
func Connect(ctx context.Context, id model.SessionID, cfg model.ConnectionConfig, d Dialer, cb Callbacks, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:       id,
		protocol: cfg.Protocol,
		cb:       cb,
		logger:   logger.With("session_id", id, "protocol", string(cfg.Protocol)),
		state:    StateConnecting,
	}

	conn, err := d.Dial(ctx, cfg, handler{s})
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.pending = nil
		s.closed = true
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		// The connection died during the handshake.
		s.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("%w: closed during handshake", model.ErrDisconnected)
	}
	s.conn = conn
	s.info = conn.Info()
	s.state = StateConnected
	if s.cb.OnConnected != nil {
		s.cb.OnConnected(s.info)
	}
	for _, f := range s.pending {
		s.emitFrameLocked(f)
	}
	s.pending = nil
	s.mu.Unlock()

	s.logger.Info("desktop connected", "addr", cfg.Addr(), "width", s.info.Width, "height", s.info.Height)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() model.SessionID { return s.id }

// Protocol returns vnc or rdp.
func (s *Session) Protocol() model.Protocol { return s.protocol }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the negotiated screen.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Key sends a key press or release.
func (s *Session) Key(code uint32, pressed bool) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	return s.inputErr(conn.Key(code, pressed))
}

// Pointer moves the pointer with the given button mask.
func (s *Session) Pointer(x, y uint16, mask uint8) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	return s.inputErr(conn.Pointer(x, y, mask))
}

// Wheel scrolls at a position.
func (s *Session) Wheel(x, y, step uint16, negative, horizontal bool) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	return s.inputErr(conn.Wheel(x, y, step, negative, horizontal))
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.finish(nil)
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) live() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, model.ErrDisconnected
	}
	return s.conn, nil
}

func (s *Session) inputErr(err error) error {
	if err == nil {
		return nil
	}
	if s.State() != StateConnected {
		return model.ErrDisconnected
	}
	return fmt.Errorf("%w: %v", model.ErrNetworkError, err)
}

func (s *Session) frame(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
		if !s.closed {
			s.pending = append(s.pending, f)
		}
	case StateConnected:
		s.emitFrameLocked(f)
	}
}

func (s *Session) emitFrameLocked(f Frame) {
	if s.cb.OnFrame != nil {
		s.cb.OnFrame(f)
	}
}

// finish moves to a terminal state and reports it once.
func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil

	if s.state == StateConnecting {
		// Connect reports the failure itself.
		s.state = StateFailed
		return
	}
	s.state = StateClosed

	if err != nil {
		s.logger.Warn("desktop closed", "error", err)
	} else {
		s.logger.Info("desktop closed")
	}
	if s.cb.OnClose != nil {
		s.cb.OnClose(err)
	}
}

// handler keeps the Handler methods off Session's exported API.
type handler struct{ s *Session }

func (h handler) Frame(f Frame)    { h.s.frame(f) }
func (h handler) Closed(err error) { h.s.finish(err) }
