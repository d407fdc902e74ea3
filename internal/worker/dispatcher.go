// Package worker runs the dispatcher that owns every protocol session. A
// single loop consumes commands in order; anything that blocks on the
// network runs on its own goroutine and posts events when it is done.
// Input for one session is written in arrival order on that session's
// queue, so a stalled peer only holds up its own input.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmoba/broker/internal/connection"
	"github.com/openmoba/broker/internal/desktop"
	"github.com/openmoba/broker/internal/filetransfer"
	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/shell"
)

const (
	DefaultQueueSize    = 256
	DefaultDrainTimeout = 2 * time.Second
)

// ErrStopped is returned by Submit once the dispatcher is shutting down.
var ErrStopped = errors.New("worker: dispatcher stopped")

// Config holds the dispatcher dependencies.
type Config struct {
	Connections *connection.Manager
	VNC         *desktop.Registry
	RDP         *desktop.Registry

	// ProgressInterval throttles FILE_PROGRESS events.
	ProgressInterval time.Duration
	// QueueSize bounds the command and event channels.
	QueueSize int
	// DrainTimeout bounds how long an event waits for the consumer once
	// shutdown has started.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Dispatcher executes commands against the session registries and emits
// the resulting events on one channel.
type Dispatcher struct {
	conns *connection.Manager
	vnc   *desktop.Registry
	rdp   *desktop.Registry

	progressInterval time.Duration
	drainTimeout     time.Duration
	logger           *slog.Logger

	commands chan message.Command
	events   chan message.Event
	stopped  chan struct{}
	running  atomic.Bool
	unknown  atomic.Int64
	wg       sync.WaitGroup

	emitMu sync.RWMutex
	closed bool

	inputMu sync.Mutex
	inputs  map[model.SessionID][]func()
}

// Snapshot is a point-in-time view of the dispatcher.
type Snapshot struct {
	Shells  int   `json:"shells"`
	VNC     int   `json:"vnc"`
	RDP     int   `json:"rdp"`
	Unknown int64 `json:"unknownMessages"`
}

// New creates a dispatcher. Run must be called to start it.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Connections == nil {
		cfg.Connections = connection.NewManager(connection.Config{Logger: cfg.Logger})
	}
	if cfg.VNC == nil {
		cfg.VNC = desktop.NewRegistry(model.ProtocolVNC, nil, cfg.Logger)
	}
	if cfg.RDP == nil {
		cfg.RDP = desktop.NewRegistry(model.ProtocolRDP, nil, cfg.Logger)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	return &Dispatcher{
		conns:            cfg.Connections,
		vnc:              cfg.VNC,
		rdp:              cfg.RDP,
		progressInterval: cfg.ProgressInterval,
		drainTimeout:     cfg.DrainTimeout,
		logger:           cfg.Logger.With("component", "worker"),
		commands:         make(chan message.Command, cfg.QueueSize),
		events:           make(chan message.Event, cfg.QueueSize),
		stopped:          make(chan struct{}),
		inputs:           make(map[model.SessionID][]func()),
	}
}

// Events returns the outbound event stream. It is closed after Run returns.
func (d *Dispatcher) Events() <-chan message.Event {
	return d.events
}

// Submit queues a command. It blocks while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, cmd message.Command) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}
	select {
	case d.commands <- cmd:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitEnvelope decodes and queues a wire command. Unknown types are
// reported to the observability sink and returned as errors.
func (d *Dispatcher) SubmitEnvelope(ctx context.Context, env message.Envelope) error {
	cmd, err := message.DecodeCommand(env)
	if err != nil {
		if errors.Is(err, model.ErrUnknownMessageType) {
			d.ReportUnknown(env.Type, err)
		}
		return err
	}
	return d.Submit(ctx, cmd)
}

// UnknownCount returns how many unknown commands were seen.
func (d *Dispatcher) UnknownCount() int64 {
	return d.unknown.Load()
}

// Snapshot returns live session counts.
func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		Shells:  d.conns.Count(),
		VNC:     d.vnc.Count(),
		RDP:     d.rdp.Count(),
		Unknown: d.unknown.Load(),
	}
}

// Run consumes commands until ctx is cancelled. On the way out it closes
// every session, waits for in-flight handlers and closes the event channel.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("worker: dispatcher already running")
	}

	d.logger.Info("dispatcher started")
	d.emit(message.WorkerReady{})

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case cmd := <-d.commands:
			d.dispatch(ctx, cmd)
		}
	}
}

func (d *Dispatcher) shutdown() {
	close(d.stopped)
	d.logger.Info("dispatcher stopping", "shells", d.conns.Count(), "vnc", d.vnc.Count(), "rdp", d.rdp.Count())

	d.closeAll()
	d.wg.Wait()
	// Handlers that finished a dial during the first pass.
	d.closeAll()

	d.emitMu.Lock()
	d.closed = true
	close(d.events)
	d.emitMu.Unlock()

	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) closeAll() {
	var wg sync.WaitGroup
	for _, closeFn := range []func(){d.conns.CloseAll, d.vnc.CloseAll, d.rdp.CloseAll} {
		closeFn := closeFn
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeFn()
		}()
	}
	wg.Wait()
}

// dispatch routes one command. Nothing here waits on the network: shell
// input and resizes go to the shell's own queue, desktop input to a
// per-session queue, and the rest runs on a goroutine.
func (d *Dispatcher) dispatch(ctx context.Context, cmd message.Command) {
	switch c := cmd.(type) {
	case message.ConnectShell:
		d.spawn(func() { d.connectShell(ctx, c) })
	case message.ShellInput:
		d.shellInput(c)
	case message.ShellResize:
		d.shellResize(c)
	case message.ShellHistory:
		d.shellHistory(c)
	case message.List:
		d.spawn(func() { d.list(c) })
	case message.Mkdir:
		d.spawn(func() { d.mkdir(c) })
	case message.Delete:
		d.spawn(func() { d.delete(c) })
	case message.Download:
		d.spawn(func() { d.download(ctx, c) })
	case message.Upload:
		d.spawn(func() { d.upload(ctx, c) })
	case message.ReadFile:
		d.spawn(func() { d.readFile(c) })
	case message.WriteFile:
		d.spawn(func() { d.writeFile(c) })
	case message.ConnectDesktop:
		d.spawn(func() { d.connectDesktop(ctx, c) })
	case message.DesktopKey:
		d.queueInput(c.SessionID, func(s *desktop.Session) error { return s.Key(c.Code, c.Pressed) })
	case message.DesktopPointer:
		d.queueInput(c.SessionID, func(s *desktop.Session) error { return s.Pointer(c.X, c.Y, c.Mask) })
	case message.DesktopWheel:
		d.queueInput(c.SessionID, func(s *desktop.Session) error {
			return s.Wheel(c.X, c.Y, c.Step, c.Negative, c.Horizontal)
		})
	case message.Disconnect:
		d.spawn(func() { d.disconnect(c.SessionID) })
	default:
		d.ReportUnknown(fmt.Sprintf("%T", cmd), fmt.Errorf("%w: command %T", model.ErrUnknownMessageType, cmd))
	}
}

func (d *Dispatcher) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// ReportUnknown records a message of unknown type in the log and the
// counter.
func (d *Dispatcher) ReportUnknown(typ string, err error) {
	n := d.unknown.Add(1)
	d.logger.Warn("unknown message type", "type", typ, "count", n, "error", err)
}

// emit posts an event. Before shutdown it waits for the consumer; during
// shutdown it waits at most drainTimeout. Events after the channel is
// closed are dropped.
func (d *Dispatcher) emit(ev message.Event) {
	d.emitMu.RLock()
	defer d.emitMu.RUnlock()
	if d.closed {
		d.logger.Debug("event after shutdown dropped", "type", ev.Kind(), "session_id", ev.Session())
		return
	}

	select {
	case d.events <- ev:
		return
	case <-d.stopped:
	}

	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()
	select {
	case d.events <- ev:
	case <-timer.C:
		d.logger.Warn("event dropped during shutdown", "type", ev.Kind(), "session_id", ev.Session())
	}
}

func (d *Dispatcher) connectShell(ctx context.Context, cmd message.ConnectShell) {
	id := cmd.SessionID
	logger := d.logger.With("session_id", id)

	// Nothing about the session is emitted before SHELL_READY.
	ready := make(chan struct{})
	cb := shell.Callbacks{
		OnData: func(data []byte) {
			<-ready
			d.emit(message.ShellData{SessionID: id, Data: string(data)})
		},
		OnStats: func(stats model.Stats) {
			<-ready
			d.emit(message.ShellStats{SessionID: id, Stats: stats})
		},
		OnClose: func(err error) {
			<-ready
			if err != nil {
				d.emit(message.NewShellError(id, err))
			}
			d.emit(message.ShellClose{SessionID: id})
		},
	}

	sess, err := d.conns.CreateSession(ctx, id, cmd.Config(), cb)
	if err != nil {
		close(ready)
		if errors.Is(err, model.ErrDisconnected) {
			d.emit(message.ShellClose{SessionID: id})
			return
		}
		d.emit(message.NewShellError(id, err))
		return
	}

	// A failed shell request shuts the session down, and OnClose reports it.
	if err := sess.OpenShell(); err != nil {
		logger.Warn("open shell failed", "error", err)
		close(ready)
		return
	}
	d.emit(message.ShellReady{SessionID: id})
	close(ready)
}

func (d *Dispatcher) shellInput(cmd message.ShellInput) {
	sess, ok := d.conns.GetSession(cmd.SessionID)
	if !ok {
		d.logger.Debug("input for unknown session", "session_id", cmd.SessionID)
		return
	}
	sess.Write([]byte(cmd.Data))
}

func (d *Dispatcher) shellResize(cmd message.ShellResize) {
	sess, ok := d.conns.GetSession(cmd.SessionID)
	if !ok {
		return
	}
	sess.Resize(cmd.Rows, cmd.Cols)
}

func (d *Dispatcher) shellHistory(cmd message.ShellHistory) {
	sess, ok := d.conns.GetSession(cmd.SessionID)
	if !ok {
		d.logger.Debug("history for unknown session", "session_id", cmd.SessionID)
		return
	}
	d.emit(message.ShellHistoryData{SessionID: cmd.SessionID, Data: string(sess.History())})
}

// fileSession resolves the sftp sub-session, emitting FILE_ERROR on failure.
func (d *Dispatcher) fileSession(id model.SessionID, reqID string) (*filetransfer.Session, bool) {
	ft, err := d.conns.GetFileTransferSession(id)
	if err != nil {
		d.emit(message.NewFileError(id, reqID, err))
		return nil, false
	}
	return ft, true
}

func (d *Dispatcher) list(cmd message.List) {
	ft, ok := d.fileSession(cmd.SessionID, cmd.ReqID)
	if !ok {
		return
	}
	files, err := ft.List(cmd.Path)
	if err != nil {
		d.emit(message.NewFileError(cmd.SessionID, cmd.ReqID, err))
		return
	}
	d.emit(message.FileListSuccess{SessionID: cmd.SessionID, ReqID: cmd.ReqID, Path: cmd.Path, Files: files})
}

func (d *Dispatcher) mkdir(cmd message.Mkdir) {
	ft, ok := d.fileSession(cmd.SessionID, cmd.ReqID)
	if !ok {
		return
	}
	if err := ft.Mkdir(cmd.Path); err != nil {
		d.emit(message.NewFileError(cmd.SessionID, cmd.ReqID, err))
		return
	}
	d.emit(message.FileActionSuccess{SessionID: cmd.SessionID, ReqID: cmd.ReqID, Action: "mkdir", Path: cmd.Path})
}

func (d *Dispatcher) delete(cmd message.Delete) {
	ft, ok := d.fileSession(cmd.SessionID, cmd.ReqID)
	if !ok {
		return
	}
	var err error
	if cmd.IsDirectory {
		err = ft.RemoveDirectory(cmd.Path)
	} else {
		err = ft.RemoveFile(cmd.Path)
	}
	if err != nil {
		d.emit(message.NewFileError(cmd.SessionID, cmd.ReqID, err))
		return
	}
	d.emit(message.FileActionSuccess{SessionID: cmd.SessionID, ReqID: cmd.ReqID, Action: "delete", Path: cmd.Path})
}

func (d *Dispatcher) progress(id model.SessionID, reqID string, dir model.Direction, name string) *filetransfer.Throttle {
	return filetransfer.NewThrottle(d.progressInterval, func(transferred, total int64) {
		p := model.TransferProgress{
			SessionID:        id,
			ReqID:            reqID,
			Direction:        dir,
			Filename:         name,
			BytesTransferred: transferred,
			BytesTotal:       total,
		}
		d.emit(message.FileProgress{TransferProgress: p.Clamp()})
	})
}

func (d *Dispatcher) download(ctx context.Context, cmd message.Download) {
	ft, ok := d.fileSession(cmd.SessionID, cmd.ReqID)
	if !ok {
		return
	}
	throttle := d.progress(cmd.SessionID, cmd.ReqID, model.DirectionDownload, filetransfer.Base(cmd.RemotePath))
	n, err := ft.Download(ctx, cmd.RemotePath, cmd.LocalPath, throttle.Report)
	if err != nil {
		d.emit(message.NewFileError(cmd.SessionID, cmd.ReqID, err))
		return
	}
	throttle.Finish(n)
	d.emit(message.FileActionSuccess{SessionID: cmd.SessionID, ReqID: cmd.ReqID, Action: "download", Path: cmd.RemotePath})
}

func (d *Dispatcher) upload(ctx context.Context, cmd message.Upload) {
	ft, ok := d.fileSession(cmd.SessionID, cmd.ReqID)
	if !ok {
		return
	}
	throttle := d.progress(cmd.SessionID, cmd.ReqID, model.DirectionUpload, filetransfer.Base(cmd.LocalPath))
	n, err := ft.Upload(ctx, cmd.LocalPath, cmd.RemotePath, throttle.Report)
	if err != nil {
		d.emit(message.NewFileError(cmd.SessionID, cmd.ReqID, err))
		return
	}
	throttle.Finish(n)
	d.emit(message.FileActionSuccess{SessionID: cmd.SessionID, ReqID: cmd.ReqID, Action: "upload", Path: cmd.RemotePath})
}

func (d *Dispatcher) readFile(cmd message.ReadFile) {
	ft, ok := d.fileSession(cmd.SessionID, cmd.ReqID)
	if !ok {
		return
	}
	content, err := ft.ReadTextFile(cmd.Path)
	if err != nil {
		d.emit(message.NewFileError(cmd.SessionID, cmd.ReqID, err))
		return
	}
	d.emit(message.FileReadSuccess{SessionID: cmd.SessionID, ReqID: cmd.ReqID, Path: cmd.Path, Content: content})
}

func (d *Dispatcher) writeFile(cmd message.WriteFile) {
	ft, ok := d.fileSession(cmd.SessionID, cmd.ReqID)
	if !ok {
		return
	}
	if err := ft.WriteTextFile(cmd.Path, cmd.Content); err != nil {
		d.emit(message.NewFileError(cmd.SessionID, cmd.ReqID, err))
		return
	}
	d.emit(message.FileWriteSuccess{SessionID: cmd.SessionID, ReqID: cmd.ReqID, Path: cmd.Path})
}

func (d *Dispatcher) registry(p model.Protocol) *desktop.Registry {
	if p == model.ProtocolRDP {
		return d.rdp
	}
	return d.vnc
}

func (d *Dispatcher) connectDesktop(ctx context.Context, cmd message.ConnectDesktop) {
	id, p := cmd.SessionID, cmd.Protocol
	cb := desktop.Callbacks{
		OnConnected: func(info desktop.Info) {
			d.emit(message.DesktopConnected{SessionID: id, Protocol: p, Width: info.Width, Height: info.Height, Name: info.Name})
		},
		OnFrame: func(f desktop.Frame) {
			d.emit(message.DesktopFrame{
				SessionID:    id,
				Protocol:     p,
				X:            f.X,
				Y:            f.Y,
				Width:        f.Width,
				Height:       f.Height,
				BitsPerPixel: f.BitsPerPixel,
				Compressed:   f.Compressed,
				PixelData:    f.Data,
			})
		},
		OnClose: func(err error) {
			if err != nil {
				d.emit(message.NewDesktopError(id, p, err))
			}
			d.emit(message.DesktopClosed{SessionID: id, Protocol: p})
		},
	}

	if _, err := d.registry(p).Connect(ctx, id, cmd.Config(), cb); err != nil {
		if errors.Is(err, model.ErrDisconnected) {
			d.emit(message.DesktopClosed{SessionID: id, Protocol: p})
			return
		}
		d.emit(message.NewDesktopError(id, p, err))
	}
}

func (d *Dispatcher) desktopSession(id model.SessionID) (*desktop.Session, bool) {
	if s, ok := d.vnc.Get(id); ok {
		return s, true
	}
	return d.rdp.Get(id)
}

// queueInput appends desktop input to the session's queue and starts a
// drainer when none is running. It is only called from the command loop.
func (d *Dispatcher) queueInput(id model.SessionID, send func(*desktop.Session) error) {
	d.inputMu.Lock()
	defer d.inputMu.Unlock()
	q, draining := d.inputs[id]
	d.inputs[id] = append(q, func() { d.desktopInput(id, send) })
	if !draining {
		d.spawn(func() { d.drainInput(id) })
	}
}

// drainInput runs queued input for id in order and exits once the queue
// is empty.
func (d *Dispatcher) drainInput(id model.SessionID) {
	for {
		d.inputMu.Lock()
		q := d.inputs[id]
		if len(q) == 0 {
			delete(d.inputs, id)
			d.inputMu.Unlock()
			return
		}
		next := q[0]
		q[0] = nil
		d.inputs[id] = q[1:]
		d.inputMu.Unlock()

		next()
	}
}

func (d *Dispatcher) desktopInput(id model.SessionID, send func(*desktop.Session) error) {
	s, ok := d.desktopSession(id)
	if !ok {
		d.logger.Debug("input for unknown desktop", "session_id", id)
		return
	}
	err := send(s)
	switch {
	case err == nil, errors.Is(err, model.ErrDisconnected):
	default:
		d.emit(message.NewDesktopError(id, s.Protocol(), err))
	}
}

// disconnect closes whatever session the id names. Close events come from
// the sessions themselves.
func (d *Dispatcher) disconnect(id model.SessionID) {
	d.logger.Info("disconnect", "session_id", id)
	d.conns.CloseSession(id)
	d.vnc.Close(id)
	d.rdp.Close(id)
}
