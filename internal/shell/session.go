// Package shell implements the ssh shell session: connection, pseudo
// terminal, input/output pumps, resize and the periodic stats poller.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openmoba/broker/internal/buffer"
	"github.com/openmoba/broker/internal/filetransfer"
	"github.com/openmoba/broker/internal/model"
)

const (
	DefaultTerm           = "xterm-256color"
	DefaultRows           = 24
	DefaultCols           = 80
	DefaultStatsInterval  = 3 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultScrollbackSize = 64 * 1024

	readBufferSize = 32 * 1024
)

// Recorder receives a copy of the terminal traffic.
type Recorder interface {
	WriteOutput(data []byte) error
	WriteInput(data []byte) error
	WriteResize(cols, rows int) error
	Close() error
}

// Options configures a shell session.
type Options struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	StatsInterval  time.Duration
	KnownHostsFile string
	ScrollbackSize int
	Term           string
	Rows, Cols     int
	Logger         *slog.Logger

	// NewRecorder, if set, is called when the shell opens.
	NewRecorder func(id model.SessionID, cols, rows int) (Recorder, error)
}

func (o *Options) setDefaults() {
	if o.KeepAlive == 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.StatsInterval == 0 {
		o.StatsInterval = DefaultStatsInterval
	}
	if o.ScrollbackSize <= 0 {
		o.ScrollbackSize = DefaultScrollbackSize
	}
	if o.Term == "" {
		o.Term = DefaultTerm
	}
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Callbacks receive what a session produces. They run on session
// goroutines and must not block for long.
type Callbacks struct {
	OnData  func(data []byte)
	OnStats func(stats model.Stats)
	// OnClose runs exactly once after every session goroutine has stopped.
	// err is nil for a local or remote close and set for a fatal error.
	OnClose func(err error)
}

// Session is one ssh connection with at most one interactive shell.
type Session struct {
	id     model.SessionID
	cfg    model.ConnectionConfig
	opts   Options
	cb     Callbacks
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	client  *ssh.Client
	shell   *ssh.Session
	input   *inputQueue
	release func()

	history  *buffer.RingBuffer
	recorder Recorder

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects and authenticates. On success the session is Ready; on
// failure it is Failed and the returned error carries model.ErrAuthFailure,
// model.ErrNetworkError or model.ErrTimeout.
func Dial(ctx context.Context, id model.SessionID, cfg model.ConnectionConfig, opts Options, cb Callbacks) (*Session, error) {
	opts.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		cfg:     cfg,
		opts:    opts,
		cb:      cb,
		logger:  opts.Logger.With("session_id", id),
		state:   StateConnecting,
		input:   newInputQueue(),
		history: buffer.NewRingBuffer(opts.ScrollbackSize),
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	clientCfg, release, err := clientConfig(cfg, opts)
	if err != nil {
		s.setState(StateFailed)
		cancel()
		return nil, err
	}

	client, err := dial(ctx, cfg.Addr(), clientCfg)
	if err != nil {
		release()
		s.setState(StateFailed)
		cancel()
		return nil, err
	}

	s.mu.Lock()
	s.client = client
	s.release = release
	s.mu.Unlock()
	if err := s.setState(StateReady); err != nil {
		client.Close()
		release()
		cancel()
		return nil, err
	}

	s.logger.Info("ssh connected", "addr", cfg.Addr(), "user", cfg.Username)

	s.wg.Add(2)
	go s.watchTransport()
	go s.keepAlive()

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() model.SessionID {
	return s.id
}

// Config returns the config the session was created from.
func (s *Session) Config() model.ConnectionConfig {
	return s.cfg
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Session) setStateLocked(to State) error {
	if err := transition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

// OpenShell requests a pty and starts the interactive shell with its
// input, output and stats loops.
func (s *Session) OpenShell() error {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		if state.Terminal() {
			return model.ErrDisconnected
		}
		return fmt.Errorf("%w: open shell in state %s", ErrInvalidTransition, state)
	}
	client := s.client
	s.mu.Unlock()

	sess, stdin, stdout, stderr, err := s.startShell(client)
	if err != nil {
		s.shutdown(err)
		return err
	}

	var rec Recorder
	if s.opts.NewRecorder != nil {
		if rec, err = s.opts.NewRecorder(s.id, s.opts.Cols, s.opts.Rows); err != nil {
			s.logger.Warn("recording disabled", "error", err)
			rec = nil
		}
	}

	s.mu.Lock()
	if err := s.setStateLocked(StateShellOpen); err != nil {
		s.mu.Unlock()
		sess.Close()
		if rec != nil {
			rec.Close()
		}
		return model.ErrDisconnected
	}
	s.shell = sess
	s.recorder = rec
	s.wg.Add(5)
	s.mu.Unlock()

	go s.readOutput(stdout)
	go s.readOutput(stderr)
	go s.writeInput(stdin, sess)
	go s.pollStats()
	go s.waitShell(sess)

	s.logger.Info("shell opened", "term", s.opts.Term, "rows", s.opts.Rows, "cols", s.opts.Cols)
	return nil
}

func (s *Session) startShell(client *ssh.Client) (*ssh.Session, io.WriteCloser, io.Reader, io.Reader, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: open session channel: %v", model.ErrProtocolError, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(s.opts.Term, s.opts.Rows, s.opts.Cols, modes); err != nil {
		sess.Close()
		return nil, nil, nil, nil, fmt.Errorf("%w: request pty: %v", model.ErrProtocolError, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, nil, err
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, nil, nil, nil, fmt.Errorf("%w: start shell: %v", model.ErrProtocolError, err)
	}
	return sess, stdin, stdout, stderr, nil
}

// Write queues terminal input. Input is dropped when the shell is not open.
func (s *Session) Write(data []byte) {
	if len(data) == 0 || s.State() != StateShellOpen {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.input.push(inputOp{data: buf})
}

// Resize queues a pty window change behind any pending input. It is a
// no-op unless the shell is open.
func (s *Session) Resize(rows, cols int) {
	if rows <= 0 || cols <= 0 || s.State() != StateShellOpen {
		return
	}
	s.input.push(inputOp{rows: rows, cols: cols})
}

// History returns the retained terminal output.
func (s *Session) History() []byte {
	return s.history.Snapshot()
}

// OpenFileTransfer starts an sftp sub-session on this connection.
func (s *Session) OpenFileTransfer(opts filetransfer.Options) (*filetransfer.Session, error) {
	s.mu.Lock()
	if s.state.Terminal() || s.client == nil {
		s.mu.Unlock()
		return nil, model.ErrDisconnected
	}
	client := s.client
	s.mu.Unlock()

	return filetransfer.Open(client, opts)
}

// Close shuts the session down and waits until every goroutine it started
// has stopped. It is safe to call more than once.
func (s *Session) Close() {
	s.shutdown(nil)
	<-s.done
}

// shutdown starts teardown once. It never blocks, so session goroutines may
// call it.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.cancel()
		go s.teardown(cause)
	})
}

func (s *Session) teardown(cause error) {
	s.mu.Lock()
	final := StateClosed
	if cause != nil && s.state != StateShellOpen {
		final = StateFailed
	}
	if err := s.setStateLocked(final); err != nil {
		s.logger.Debug("teardown transition", "error", err)
	}
	sess, client, rec, release := s.shell, s.client, s.recorder, s.release
	s.mu.Unlock()

	s.input.close()
	if sess != nil {
		sess.Close()
	}
	if client != nil {
		client.Close()
	}
	s.wg.Wait()

	if rec != nil {
		rec.Close()
	}
	if release != nil {
		release()
	}

	if cause != nil {
		s.logger.Warn("ssh session closed", "error", cause)
	} else {
		s.logger.Info("ssh session closed")
	}

	close(s.done)
	if s.cb.OnClose != nil {
		s.cb.OnClose(cause)
	}
}

func (s *Session) readOutput(r io.Reader) {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && s.ctx.Err() == nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.history.Write(chunk)
			if s.recorder != nil {
				s.recorder.WriteOutput(chunk)
			}
			if s.cb.OnData != nil {
				s.cb.OnData(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) writeInput(w io.WriteCloser, sess *ssh.Session) {
	defer s.wg.Done()
	defer w.Close()

	for {
		op, ok := s.input.pop()
		if !ok {
			return
		}
		if op.data == nil {
			if s.recorder != nil {
				s.recorder.WriteResize(op.cols, op.rows)
			}
			if err := sess.WindowChange(op.rows, op.cols); err != nil {
				s.logger.Warn("resize failed", "rows", op.rows, "cols", op.cols, "error", err)
			}
			continue
		}
		if s.recorder != nil {
			s.recorder.WriteInput(op.data)
		}
		if _, err := w.Write(op.data); err != nil {
			s.logger.Debug("shell input write failed", "error", err)
			return
		}
	}
}

// waitShell ends the session when the remote shell exits.
func (s *Session) waitShell(sess *ssh.Session) {
	defer s.wg.Done()

	err := sess.Wait()
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case s.ctx.Err() != nil, err == nil, errors.As(err, &exitErr):
		s.shutdown(nil)
	case errors.As(err, &missing):
		// The channel also closes without a status when the transport dies;
		// leave that case to watchTransport so the cause is kept.
		if _, _, perr := s.client.SendRequest("keepalive@openssh.com", true, nil); perr == nil {
			s.shutdown(nil)
		}
	default:
		s.shutdown(fmt.Errorf("%w: %v", model.ErrNetworkError, err))
	}
}

// watchTransport ends the session when the ssh connection drops.
func (s *Session) watchTransport() {
	defer s.wg.Done()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	err := client.Wait()
	if s.ctx.Err() != nil || err == nil || errors.Is(err, io.EOF) {
		s.shutdown(nil)
		return
	}
	s.shutdown(fmt.Errorf("%w: %v", model.ErrNetworkError, err))
}

func (s *Session) keepAlive() {
	defer s.wg.Done()
	if s.opts.KeepAlive < 0 {
		return
	}

	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			if s.ctx.Err() == nil {
				s.shutdown(fmt.Errorf("%w: keepalive: %v", model.ErrNetworkError, err))
			}
			return
		}
	}
}

func (s *Session) pollStats() {
	defer s.wg.Done()
	if s.opts.StatsInterval < 0 || s.cb.OnStats == nil {
		return
	}

	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for {
		stats, ok := s.sampleStats()
		if ok && s.ctx.Err() == nil {
			s.cb.OnStats(stats)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sampleStats runs StatsCommand on its own exec channel. Failures and
// malformed output yield ok == false.
func (s *Session) sampleStats() (model.Stats, bool) {
	sess, err := s.client.NewSession()
	if err != nil {
		return model.Stats{}, false
	}
	defer sess.Close()

	out, err := sess.Output(StatsCommand)
	if err != nil && len(out) == 0 {
		s.logger.Debug("stats command failed", "error", err)
		return model.Stats{}, false
	}
	return ParseStats(string(out))
}

// inputOp is one queued write to the shell: input bytes, or a window
// change when data is nil.
type inputOp struct {
	data       []byte
	rows, cols int
}

// inputQueue is an unbounded FIFO of terminal input and resizes so that
// Write and Resize never block the caller.
type inputQueue struct {
	mu     sync.Mutex
	items  []inputOp
	closed bool
	signal chan struct{}
}

func newInputQueue() *inputQueue {
	return &inputQueue{signal: make(chan struct{}, 1)}
}

func (q *inputQueue) push(op inputOp) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, op)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inputQueue) pop() (inputOp, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return inputOp{}, false
		}
		if len(q.items) > 0 {
			op := q.items[0]
			q.items[0] = inputOp{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return op, true
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *inputQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
