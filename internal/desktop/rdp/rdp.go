// Package rdp is the RDP variant of the remote desktop session, built on
// the github.com/tomatome/grdp protocol stack (TPKT, X.224, MCS, security
// layer and PDU client) with NLA authentication over TLS.
package rdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomatome/grdp/core"
	"github.com/tomatome/grdp/glog"
	"github.com/tomatome/grdp/protocol/nla"
	"github.com/tomatome/grdp/protocol/pdu"
	"github.com/tomatome/grdp/protocol/sec"
	"github.com/tomatome/grdp/protocol/t125"
	"github.com/tomatome/grdp/protocol/tpkt"
	"github.com/tomatome/grdp/protocol/x224"

	"github.com/openmoba/broker/internal/desktop"
	"github.com/openmoba/broker/internal/model"
)

const (
	DefaultWidth  = 1024
	DefaultHeight = 768

	defaultReadyTimeout = 30 * time.Second
)

var errClosedDuringHandshake = errors.New("rdp: server closed the connection during the handshake")

var glogOnce sync.Once

// routeProtocolLog sends grdp's package level logger through slog.
func routeProtocolLog(logger *slog.Logger) {
	glogOnce.Do(func() {
		glog.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
		glog.SetLevel(glog.WARN)
	})
}

// Dialer connects to RDP servers.
type Dialer struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dial negotiates TLS with NLA and waits until the server reports the
// session ready.
func (d Dialer) Dial(ctx context.Context, cfg model.ConnectionConfig, h desktop.Handler) (desktop.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	routeProtocolLog(logger)

	width, height := cfg.Width, cfg.Height
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}

	nd := net.Dialer{Timeout: d.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, desktop.ClassifyDialError(err)
	}

	password := cfg.Credential.Password
	tp := tpkt.New(core.NewSocketLayer(nc), nla.NewNTLMv2(cfg.Domain, cfg.Username, password))
	xc := x224.New(tp)
	mcs := t125.NewMCSClient(xc)
	sc := sec.NewClient(mcs)
	pc := pdu.NewClient(sc)

	mcs.SetClientCoreData(uint16(width), uint16(height))
	sc.SetUser(cfg.Username)
	sc.SetPwd(password)
	sc.SetDomain(cfg.Domain)

	tp.SetFastPathListener(sc)
	sc.SetFastPathListener(pc)
	sc.SetChannelSender(mcs)
	pc.SetFastPathSender(tp)

	xc.SetRequestedProtocol(x224.PROTOCOL_SSL)

	c := &Conn{
		nc:     nc,
		sender: pc,
		h:      h,
		logger: logger,
		info:   desktop.Info{Width: width, Height: height, Name: cfg.Host},
		ready:  make(chan error, 1),
	}
	pc.On("error", func(e error) { c.onError(e) })
	pc.On("close", func() { c.onClose() })
	pc.On("ready", func() { c.onReady() })
	pc.On("update", func(rects []pdu.BitmapData) { c.onUpdate(rects) })

	if err := xc.Connect(); err != nil {
		nc.Close()
		return nil, desktop.ClassifyDialError(err)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-c.ready:
		if err != nil {
			c.closeConn()
			return nil, desktop.ClassifyDialError(err)
		}
	case <-timer.C:
		c.closeConn()
		return nil, fmt.Errorf("%w: rdp session not ready after %s", model.ErrTimeout, timeout)
	case <-ctx.Done():
		c.closeConn()
		return nil, desktop.ClassifyDialError(ctx.Err())
	}
	return c, nil
}

// inputSender is the part of the PDU client that carries input.
type inputSender interface {
	SendInputEvents(msgType uint16, events []pdu.InputEventsInterface)
}

// Conn is a live RDP connection.
type Conn struct {
	nc     net.Conn
	sender inputSender
	h      desktop.Handler
	info   desktop.Info
	logger *slog.Logger

	ready   chan error
	isReady atomic.Bool
	closing atomic.Bool
	once    sync.Once

	mu      sync.Mutex
	buttons uint8
}

// Info returns the requested desktop size.
func (c *Conn) Info() desktop.Info { return c.info }

// Key sends a scancode press or release.
func (c *Conn) Key(code uint32, pressed bool) error {
	if c.closing.Load() {
		return model.ErrDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender.SendInputEvents(inputEventScancode, []pdu.InputEventsInterface{keyEvent(code, pressed)})
	return nil
}

// Pointer sends a move, or one event per button whose state changed since
// the previous call.
func (c *Conn) Pointer(x, y uint16, mask uint8) error {
	if c.closing.Load() {
		return model.ErrDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	events := pointerEvents(c.buttons, mask, x, y)
	c.buttons = mask
	c.sender.SendInputEvents(inputEventMouse, events)
	return nil
}

// Wheel sends one wheel rotation.
func (c *Conn) Wheel(x, y, step uint16, negative, horizontal bool) error {
	if c.closing.Load() {
		return model.ErrDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender.SendInputEvents(inputEventMouse, []pdu.InputEventsInterface{wheelEvent(x, y, step, negative, horizontal)})
	return nil
}

// Close ends the connection.
func (c *Conn) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	return c.nc.Close()
}

func (c *Conn) closeConn() {
	c.closing.Store(true)
	c.nc.Close()
}

func (c *Conn) onReady() {
	if c.isReady.Swap(true) {
		return
	}
	c.logger.Debug("rdp session ready")
	c.ready <- nil
}

func (c *Conn) onError(err error) {
	if !c.isReady.Load() {
		select {
		case c.ready <- err:
		default:
		}
		return
	}
	if c.closing.Load() {
		c.finish(nil)
		return
	}
	c.finish(desktop.ClassifyDialError(err))
}

func (c *Conn) onClose() {
	if !c.isReady.Load() {
		select {
		case c.ready <- errClosedDuringHandshake:
		default:
		}
		return
	}
	c.finish(nil)
}

func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.closing.Store(true)
		c.nc.Close()
		c.h.Closed(err)
	})
}

func (c *Conn) onUpdate(rects []pdu.BitmapData) {
	for i := range rects {
		c.h.Frame(toFrame(&rects[i]))
	}
}

func toFrame(b *pdu.BitmapData) desktop.Frame {
	return desktop.Frame{
		X:            int(b.DestLeft),
		Y:            int(b.DestTop),
		Width:        int(b.Width),
		Height:       int(b.Height),
		BitsPerPixel: int(b.BitsPerPixel),
		Compressed:   b.Flags&bitmapCompression != 0,
		Data:         b.BitmapDataStream,
	}
}
