// Package vnc is the RFB variant of the remote desktop session, built on
// github.com/mitchellh/go-vnc. Only raw encoding is requested; rectangles
// are converted to RGBA before they leave the package.
package vnc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	govnc "github.com/mitchellh/go-vnc"

	"github.com/openmoba/broker/internal/desktop"
	"github.com/openmoba/broker/internal/model"
)

const (
	messageBuffer = 64
	wheelNotch    = 120
	maxWheelClick = 10
)

// Dialer connects to VNC servers.
type Dialer struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dial performs the RFB handshake and asks for a full framebuffer update.
func (d Dialer) Dial(ctx context.Context, cfg model.ConnectionConfig, h desktop.Handler) (desktop.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nd := net.Dialer{Timeout: d.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, desktop.ClassifyDialError(err)
	}
	raw := newWatchedConn(nc)
	if d.Timeout > 0 {
		nc.SetDeadline(time.Now().Add(d.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })

	msgs := make(chan govnc.ServerMessage, messageBuffer)
	client, err := govnc.Client(raw, &govnc.ClientConfig{
		Auth:            authFor(cfg.Credential),
		ServerMessageCh: msgs,
	})
	if !stop() {
		if err == nil {
			client.Close()
		}
		return nil, desktop.ClassifyDialError(ctx.Err())
	}
	if err != nil {
		raw.Close()
		return nil, desktop.ClassifyDialError(err)
	}
	nc.SetDeadline(time.Time{})

	c := &Conn{
		client: client,
		raw:    raw,
		msgs:   msgs,
		h:      h,
		logger: logger,
		info: desktop.Info{
			Width:  int(client.FrameBufferWidth),
			Height: int(client.FrameBufferHeight),
			Name:   client.DesktopName,
		},
	}
	go c.run()

	if err := c.request(false); err != nil {
		c.Close()
		return nil, desktop.ClassifyDialError(err)
	}
	return c, nil
}

func authFor(cred model.Credential) []govnc.ClientAuth {
	if cred.Password == "" {
		return []govnc.ClientAuth{new(govnc.ClientAuthNone)}
	}
	return []govnc.ClientAuth{
		&govnc.PasswordAuth{Password: cred.Password},
		new(govnc.ClientAuthNone),
	}
}

// Conn is a live RFB connection.
type Conn struct {
	client *govnc.ClientConn
	raw    *watchedConn
	msgs   chan govnc.ServerMessage
	h      desktop.Handler
	info   desktop.Info
	logger *slog.Logger

	// wmu serialises client messages; go-vnc writes each one in pieces.
	wmu     sync.Mutex
	buttons govnc.ButtonMask
	closing atomic.Bool
}

// Info returns the negotiated framebuffer.
func (c *Conn) Info() desktop.Info { return c.info }

// Key sends an X11 keysym.
func (c *Conn) Key(code uint32, pressed bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.client.KeyEvent(code, pressed)
}

// Pointer sends an absolute position with an RFB button mask.
func (c *Conn) Pointer(x, y uint16, mask uint8) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.buttons = govnc.ButtonMask(mask)
	return c.client.PointerEvent(c.buttons, x, y)
}

// Wheel clicks buttons 4 to 7, once per notch of step.
func (c *Conn) Wheel(x, y, step uint16, negative, horizontal bool) error {
	btn := wheelButton(negative, horizontal)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	for i := 0; i < wheelClicks(step); i++ {
		if err := c.client.PointerEvent(c.buttons|btn, x, y); err != nil {
			return err
		}
		if err := c.client.PointerEvent(c.buttons, x, y); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the connection.
func (c *Conn) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	return c.client.Close()
}

func (c *Conn) request(incremental bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.client.FramebufferUpdateRequest(incremental, 0, 0, uint16(c.info.Width), uint16(c.info.Height))
}

func (c *Conn) run() {
	for {
		select {
		case msg := <-c.msgs:
			c.handle(msg)
		case <-c.raw.closed:
			// go-vnc blocks sending on msgs; keep receiving briefly so its
			// read loop can exit.
			go drain(c.msgs)
			c.h.Closed(c.closeCause())
			return
		}
	}
}

func (c *Conn) handle(msg govnc.ServerMessage) {
	update, ok := msg.(*govnc.FramebufferUpdateMessage)
	if !ok {
		return
	}
	pf := c.client.PixelFormat
	for _, rect := range update.Rectangles {
		enc, ok := rect.Enc.(*govnc.RawEncoding)
		if !ok {
			c.logger.Debug("skipping non-raw rectangle", "encoding", rect.Enc.Type())
			continue
		}
		c.h.Frame(desktop.Frame{
			X:            int(rect.X),
			Y:            int(rect.Y),
			Width:        int(rect.Width),
			Height:       int(rect.Height),
			BitsPerPixel: 32,
			Data:         toRGBA(enc.Colors, pf),
		})
	}
	if err := c.request(true); err != nil && !c.closing.Load() {
		c.logger.Debug("update request failed", "error", err)
	}
}

func (c *Conn) closeCause() error {
	if c.closing.Load() {
		return nil
	}
	if err := c.raw.err(); err != nil {
		return desktop.ClassifyDialError(err)
	}
	return nil
}

func drain(msgs <-chan govnc.ServerMessage) {
	timeout := time.NewTimer(time.Second)
	defer timeout.Stop()
	for {
		select {
		case <-msgs:
		case <-timeout.C:
			return
		}
	}
}

// toRGBA converts decoded pixels to 8 bit RGBA. True colour components are
// scaled from their channel maximum; colour map entries are 16 bit.
func toRGBA(colors []govnc.Color, pf govnc.PixelFormat) []byte {
	rmax, gmax, bmax := pf.RedMax, pf.GreenMax, pf.BlueMax
	if !pf.TrueColor {
		rmax, gmax, bmax = 0xffff, 0xffff, 0xffff
	}
	out := make([]byte, len(colors)*4)
	for i, col := range colors {
		out[i*4] = scale(col.R, rmax)
		out[i*4+1] = scale(col.G, gmax)
		out[i*4+2] = scale(col.B, bmax)
		out[i*4+3] = 0xff
	}
	return out
}

func scale(v, limit uint16) uint8 {
	if limit == 0 {
		return 0
	}
	if v > limit {
		v = limit
	}
	return uint8(uint32(v) * 255 / uint32(limit))
}

func wheelButton(negative, horizontal bool) govnc.ButtonMask {
	switch {
	case horizontal && negative:
		return govnc.Button6
	case horizontal:
		return govnc.Button7
	case negative:
		return govnc.Button5
	}
	return govnc.Button4
}

func wheelClicks(step uint16) int {
	n := int(step) / wheelNotch
	if n < 1 {
		n = 1
	}
	return min(n, maxWheelClick)
}

// watchedConn reports when go-vnc closes the connection and keeps the
// first read error.
type watchedConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}

	mu      sync.Mutex
	readErr error
}

func newWatchedConn(c net.Conn) *watchedConn {
	return &watchedConn{Conn: c, closed: make(chan struct{})}
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.mu.Lock()
		if c.readErr == nil {
			c.readErr = err
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *watchedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

func (c *watchedConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) {
		return nil
	}
	return fmt.Errorf("vnc read: %w", c.readErr)
}
