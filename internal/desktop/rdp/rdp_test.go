package rdp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomatome/grdp/protocol/pdu"

	"github.com/openmoba/broker/internal/desktop"
	"github.com/openmoba/broker/internal/model"
)

func flags(events []pdu.InputEventsInterface) []uint16 {
	out := make([]uint16, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.(*pdu.PointerEvent).PointerFlags)
	}
	return out
}

func TestPointerEvents(t *testing.T) {
	tests := []struct {
		name       string
		prev, next uint8
		want       []uint16
	}{
		{"move", 0, 0, []uint16{ptrFlagsMove}},
		{"move while held", 1, 1, []uint16{ptrFlagsMove}},
		{"left down", 0, 1, []uint16{ptrFlagsButton1 | ptrFlagsDown}},
		{"left up", 1, 0, []uint16{ptrFlagsButton1}},
		{"middle down", 0, 2, []uint16{ptrFlagsButton3 | ptrFlagsDown}},
		{"right down", 0, 4, []uint16{ptrFlagsButton2 | ptrFlagsDown}},
		{"swap left for right", 1, 4, []uint16{ptrFlagsButton1, ptrFlagsButton2 | ptrFlagsDown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := pointerEvents(tt.prev, tt.next, 10, 20)
			assert.Equal(t, tt.want, flags(events))
			for _, ev := range events {
				p := ev.(*pdu.PointerEvent)
				assert.Equal(t, uint16(10), p.XPos)
				assert.Equal(t, uint16(20), p.YPos)
			}
		})
	}
}

func TestWheelEvent(t *testing.T) {
	assert.Equal(t, ptrFlagsWheel|120, wheelEvent(1, 2, 120, false, false).PointerFlags)
	assert.Equal(t, ptrFlagsWheel|ptrFlagsWheelNegative|120, wheelEvent(1, 2, 120, true, false).PointerFlags)
	assert.Equal(t, ptrFlagsHWheel|120, wheelEvent(1, 2, 120, false, true).PointerFlags)
	// Rotation is limited to the 9 bit field.
	assert.Equal(t, ptrFlagsWheel|0x01ff, wheelEvent(1, 2, 0xffff, false, false).PointerFlags)
}

func TestKeyEvent(t *testing.T) {
	down := keyEvent(0x1c, true)
	assert.Equal(t, uint16(0x1c), down.KeyCode)
	assert.Zero(t, down.KeyboardFlags)

	up := keyEvent(0x1c, false)
	assert.Equal(t, kbdFlagsRelease, up.KeyboardFlags)
}

func TestToFrame(t *testing.T) {
	b := pdu.BitmapData{
		DestLeft:         5,
		DestTop:          6,
		Width:            64,
		Height:           32,
		BitsPerPixel:     16,
		Flags:            bitmapCompression,
		BitmapDataStream: []byte{1, 2, 3},
	}
	assert.Equal(t, desktop.Frame{
		X: 5, Y: 6, Width: 64, Height: 32, BitsPerPixel: 16,
		Compressed: true, Data: []byte{1, 2, 3},
	}, toFrame(&b))

	b.Flags = 0
	assert.False(t, toFrame(&b).Compressed)
}

type fakeSender struct {
	mu     sync.Mutex
	types  []uint16
	events []pdu.InputEventsInterface
}

func (s *fakeSender) SendInputEvents(msgType uint16, events []pdu.InputEventsInterface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, msgType)
	s.events = append(s.events, events...)
}

type recordingHandler struct {
	mu     sync.Mutex
	frames []desktop.Frame
	closes []error
}

func (h *recordingHandler) Frame(f desktop.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) Closed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes = append(h.closes, err)
}

func newTestConn(t *testing.T) (*Conn, *fakeSender, *recordingHandler, net.Conn) {
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	sender := &fakeSender{}
	h := &recordingHandler{}
	c := &Conn{
		nc:     local,
		sender: sender,
		h:      h,
		logger: slog.Default(),
		ready:  make(chan error, 1),
	}
	c.onReady()
	return c, sender, h, remote
}

func TestConn_Input(t *testing.T) {
	c, sender, _, _ := newTestConn(t)

	require.NoError(t, c.Key(0x1e, true))
	require.NoError(t, c.Pointer(3, 4, 1))
	require.NoError(t, c.Pointer(5, 6, 1))
	require.NoError(t, c.Wheel(5, 6, 120, true, false))

	sender.mu.Lock()
	assert.Equal(t, []uint16{inputEventScancode, inputEventMouse, inputEventMouse, inputEventMouse}, sender.types)
	require.Len(t, sender.events, 4)
	assert.Equal(t, ptrFlagsButton1|ptrFlagsDown, sender.events[1].(*pdu.PointerEvent).PointerFlags)
	assert.Equal(t, ptrFlagsMove, sender.events[2].(*pdu.PointerEvent).PointerFlags)
	sender.mu.Unlock()

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Key(0x1e, false), model.ErrDisconnected)
	assert.ErrorIs(t, c.Pointer(0, 0, 0), model.ErrDisconnected)
	assert.ErrorIs(t, c.Wheel(0, 0, 120, false, false), model.ErrDisconnected)
}

func TestConn_EventsAfterReady(t *testing.T) {
	c, _, h, _ := newTestConn(t)

	c.onUpdate([]pdu.BitmapData{{Width: 1, Height: 1}, {Width: 2, Height: 2}})
	c.onError(errors.New("read: connection reset by peer"))
	c.onClose()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.frames, 2)
	require.Len(t, h.closes, 1)
	assert.ErrorIs(t, h.closes[0], model.ErrNetworkError)
}

func TestConn_LocalCloseReportsNoError(t *testing.T) {
	c, _, h, _ := newTestConn(t)

	require.NoError(t, c.Close())
	c.onError(errors.New("use of closed network connection"))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []error{nil}, h.closes)
}

func TestConn_HandshakeFailure(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := &Conn{nc: local, h: &recordingHandler{}, logger: slog.Default(), ready: make(chan error, 1)}

	c.onClose()
	c.onError(errors.New("second"))
	assert.ErrorIs(t, <-c.ready, errClosedDuringHandshake)

	select {
	case err := <-c.ready:
		t.Fatalf("unexpected second handshake result %v", err)
	default:
	}
}

func TestDial_Refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := model.ConnectionConfig{Host: "127.0.0.1", Port: port, Protocol: model.ProtocolRDP}
	_, err = Dialer{Timeout: time.Second}.Dial(context.Background(), cfg, &recordingHandler{})
	assert.ErrorIs(t, err, model.ErrNetworkError)
}
