// Package connection owns the ssh connections of the broker: one shell
// session per id plus its lazily opened file transfer sub-session.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/openmoba/broker/internal/filetransfer"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/shell"
)

// Manager manages ssh sessions.
type Manager struct {
	shellOpts shell.Options
	ftOpts    filetransfer.Options
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[model.SessionID]*SessionContext
	pending  map[model.SessionID]context.CancelFunc
}

// SessionContext holds the runtime state of one connection.
type SessionContext struct {
	Shell *shell.Session

	// closing is set under Manager.mu once teardown has started. The entry
	// stays registered until teardown returns.
	closing bool

	ftMu   sync.Mutex
	ft     *filetransfer.Session
	closed bool
}

// Config holds configuration for the manager.
type Config struct {
	Shell        shell.Options
	FileTransfer filetransfer.Options
	Logger       *slog.Logger
}

// NewManager creates a new connection manager.
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.Shell.Logger = config.Logger

	return &Manager{
		shellOpts: config.Shell,
		ftOpts:    config.FileTransfer,
		logger:    config.Logger.With("component", "connection"),
		sessions:  make(map[model.SessionID]*SessionContext),
		pending:   make(map[model.SessionID]context.CancelFunc),
	}
}

// CreateSession dials an ssh connection for id. It fails with
// model.ErrDuplicateSession if id is live or still connecting. The entry
// is registered only after the dial succeeds; a remote close removes it
// again before cb.OnClose runs.
func (m *Manager) CreateSession(ctx context.Context, id model.SessionID, cfg model.ConnectionConfig, cb shell.Callbacks) (*shell.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	_, live := m.sessions[id]
	_, connecting := m.pending[id]
	if live || connecting {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateSession, id)
	}
	m.pending[id] = cancel
	m.mu.Unlock()

	var (
		selfMu sync.Mutex
		self   *SessionContext
	)
	onClose := cb.OnClose
	cb.OnClose = func(err error) {
		selfMu.Lock()
		sc := self
		selfMu.Unlock()
		if sc != nil {
			m.release(id, sc)
		}
		if onClose != nil {
			onClose(err)
		}
	}

	sess, err := shell.Dial(ctx, id, cfg, m.shellOpts, cb)

	m.mu.Lock()
	_, stillPending := m.pending[id]
	delete(m.pending, id)
	if err != nil {
		m.mu.Unlock()
		m.logger.Info("ssh connect failed", "session_id", id, "addr", cfg.Addr(), "error", err)
		return nil, err
	}
	if !stillPending {
		m.mu.Unlock()
		sess.Close()
		return nil, fmt.Errorf("%w: connect cancelled", model.ErrDisconnected)
	}
	sc := &SessionContext{Shell: sess}
	m.sessions[id] = sc
	m.mu.Unlock()

	selfMu.Lock()
	self = sc
	selfMu.Unlock()
	// A close that raced registration found no entry to release.
	if sess.State().Terminal() {
		m.release(id, sc)
	}
	return sess, nil
}

// GetSession returns the shell session for id.
func (m *Manager) GetSession(id model.SessionID) (*shell.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sc, ok := m.sessions[id]
	if !ok || sc.closing {
		return nil, false
	}
	return sc.Shell, true
}

// GetFileTransferSession returns the cached sftp sub-session for id,
// opening it on first use. Concurrent first calls open one sub-session.
func (m *Manager) GetFileTransferSession(id model.SessionID) (*filetransfer.Session, error) {
	m.mu.RLock()
	sc, ok := m.sessions[id]
	closing := ok && sc.closing
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	if closing {
		return nil, model.ErrDisconnected
	}

	sc.ftMu.Lock()
	defer sc.ftMu.Unlock()

	if sc.closed {
		return nil, model.ErrDisconnected
	}
	if sc.ft != nil && !sc.ft.Closed() {
		return sc.ft, nil
	}
	ft, err := sc.Shell.OpenFileTransfer(m.ftOpts)
	if err != nil {
		return nil, err
	}
	sc.ft = ft
	m.logger.Debug("sftp opened", "session_id", id)
	return ft, nil
}

// CloseSession closes the connection for id, or cancels its dial if it is
// still connecting. Unknown ids are ignored. The id stays registered, and
// cannot be reused, until the file transfer and the shell have both shut
// down; when CloseSession returns it is free.
func (m *Manager) CloseSession(id model.SessionID) {
	m.mu.Lock()
	if cancel, ok := m.pending[id]; ok {
		delete(m.pending, id)
		m.mu.Unlock()
		cancel()
		return
	}
	sc, ok := m.sessions[id]
	if ok {
		sc.closing = true
	}
	m.mu.Unlock()

	if ok {
		sc.close()
		m.remove(id, sc)
	}
}

// CloseAll closes every connection and cancels every dial.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make(map[model.SessionID]*SessionContext, len(m.sessions))
	for id, sc := range m.sessions {
		sc.closing = true
		sessions[id] = sc
	}
	for _, cancel := range m.pending {
		cancel()
	}
	m.pending = make(map[model.SessionID]context.CancelFunc)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, sc := range sessions {
		id, sc := id, sc
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc.close()
			m.remove(id, sc)
		}()
	}
	wg.Wait()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return len(m.IDs())
}

// IDs returns the live session ids in order. Sessions being torn down are
// left out.
func (m *Manager) IDs() []model.SessionID {
	m.mu.RLock()
	ids := make([]model.SessionID, 0, len(m.sessions))
	for id, sc := range m.sessions {
		if !sc.closing {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// release drops the entry after its shell ended on its own. The sub-session
// is closed first.
func (m *Manager) release(id model.SessionID, sc *SessionContext) {
	m.mu.Lock()
	sc.closing = true
	m.mu.Unlock()

	sc.closeFileTransfer()
	m.remove(id, sc)
}

func (m *Manager) remove(id model.SessionID, sc *SessionContext) {
	m.mu.Lock()
	if m.sessions[id] == sc {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// close shuts the sub-session and then the shell, waiting for both.
func (sc *SessionContext) close() {
	sc.closeFileTransfer()
	sc.Shell.Close()
}

func (sc *SessionContext) closeFileTransfer() {
	sc.ftMu.Lock()
	defer sc.ftMu.Unlock()

	sc.closed = true
	if sc.ft != nil {
		sc.ft.Close()
		sc.ft = nil
	}
}
