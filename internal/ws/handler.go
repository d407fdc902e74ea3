package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/router"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. WRITE_FILE carries whole files.
	maxMessageSize = 4 << 20

	// DefaultLanePrefix is where lane sockets are served.
	DefaultLanePrefix = "/api/lanes/"

	codeMalformed = "MALFORMED_MESSAGE"
	codeLane      = "LANE_REJECTED"
)

// Submitter is the command entry point the gateway feeds.
type Submitter interface {
	Submit(ctx context.Context, cmd message.Command) (*router.Lane, error)
	Lane(id model.SessionID) (*router.Lane, bool)
	Release(id model.SessionID)
}

// HandlerOptions configures the gateway handler.
type HandlerOptions struct {
	LanePrefix  string
	CheckOrigin func(r *http.Request) bool
	// OnUnknown is told about commands of unknown type.
	OnUnknown func(typ string, err error)
	Logger    *slog.Logger
}

// Handler serves the broadcast socket and the per-session lane sockets.
type Handler struct {
	hub        *Hub
	router     Submitter
	lanePrefix string
	upgrader   websocket.Upgrader
	onUnknown  func(typ string, err error)
	logger     *slog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, r Submitter, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LanePrefix == "" {
		opts.LanePrefix = DefaultLanePrefix
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.OnUnknown == nil {
		opts.OnUnknown = func(string, error) {}
	}
	return &Handler{
		hub:        hub,
		router:     r,
		lanePrefix: opts.LanePrefix,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		onUnknown: opts.OnUnknown,
		logger:    opts.Logger.With("component", "ws"),
	}
}

// LanePath returns the socket path of a session's lane.
func (h *Handler) LanePath(id model.SessionID) string {
	return h.lanePrefix + id
}

// ServeBroadcast upgrades the connection and attaches it to the hub. The
// client receives every event without a lane and may send any command.
func (h *Handler) ServeBroadcast(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(h.hub, conn, uuid.NewString())
	h.hub.Register(client)
	h.logger.Info("broadcast client connected", "client", client.ID(), "remote", r.RemoteAddr)

	go h.writePump(client, nil)
	go h.readPump(client, func(ctx context.Context, data []byte) {
		h.handleBroadcastMessage(ctx, client, data)
	}, func() {
		h.hub.Unregister(client)
	})
	return nil
}

// ServeLane attaches the connection to the lane of sessionID. The token
// must match the one handed out in LANE_INIT and a lane takes one consumer.
func (h *Handler) ServeLane(w http.ResponseWriter, r *http.Request, sessionID, token string) error {
	lane, ok := h.router.Lane(sessionID)
	if !ok {
		http.Error(w, "Lane not found", http.StatusNotFound)
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(lane.Token())) != 1 {
		http.Error(w, "Invalid lane token", http.StatusForbidden)
		return nil
	}
	if !lane.Attach() {
		http.Error(w, "Lane already attached", http.StatusConflict)
		return nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.router.Release(sessionID)
		return err
	}

	client := NewClient(nil, conn, sessionID)
	h.logger.Info("lane attached", "session_id", sessionID, "remote", r.RemoteAddr)

	go h.writePump(client, lane)
	go h.readPump(client, func(ctx context.Context, data []byte) {
		h.handleLaneMessage(ctx, client, lane, data)
	}, func() {
		client.Close()
		if !lane.Closed() {
			// Events fall back to the broadcast socket.
			h.router.Release(sessionID)
			h.logger.Info("lane detached", "session_id", sessionID)
		}
	})
	return nil
}

func (h *Handler) handleBroadcastMessage(ctx context.Context, client *Client, data []byte) {
	env, cmd, ok := h.decode(client, data)
	if !ok {
		return
	}
	if cmd == nil {
		return
	}

	lane, err := h.router.Submit(ctx, cmd)
	if err != nil {
		h.replyError(client, cmd.Session(), model.ErrorCode(err), err)
		return
	}
	if lane != nil {
		client.SendMessage(MessageTypeLaneInit, LaneInit{
			SessionID: lane.SessionID(),
			Path:      h.LanePath(lane.SessionID()),
			Token:     lane.Token(),
		})
	}
	h.logger.Debug("command accepted", "type", env.Type, "session_id", cmd.Session())
}

func (h *Handler) handleLaneMessage(ctx context.Context, client *Client, lane *router.Lane, data []byte) {
	_, cmd, ok := h.decode(client, data)
	if !ok || cmd == nil {
		return
	}
	if err := lane.Send(ctx, cmd); err != nil {
		code := model.ErrorCode(err)
		if errors.Is(err, router.ErrLaneCommand) || errors.Is(err, router.ErrLaneClosed) {
			code = codeLane
		}
		h.replyError(client, lane.SessionID(), code, err)
	}
}

// decode parses an incoming frame. It answers pings itself and returns a
// nil command for them.
func (h *Handler) decode(client *Client, data []byte) (message.Envelope, message.Command, bool) {
	env, err := message.ParseEnvelope(data)
	if err != nil {
		h.replyError(client, "", codeMalformed, err)
		return env, nil, false
	}
	if MessageType(env.Type) == MessageTypePing {
		client.SendMessage(MessageTypePong, nil)
		return env, nil, true
	}

	cmd, err := message.DecodeCommand(env)
	if err != nil {
		code := codeMalformed
		if errors.Is(err, model.ErrUnknownMessageType) {
			h.onUnknown(env.Type, err)
			code = model.CodeUnknownMessageType
		}
		h.replyError(client, "", code, err)
		return env, nil, false
	}
	return env, cmd, true
}

func (h *Handler) replyError(client *Client, id model.SessionID, code string, err error) {
	client.SendMessage(MessageTypeError, ErrorReply{SessionID: id, Error: err.Error(), Code: code})
}

// readPump pumps messages from the WebSocket connection to handle.
func (h *Handler) readPump(client *Client, handle func(context.Context, []byte), onClose func()) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		onClose()
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "client", client.ID(), "error", err)
			}
			return
		}
		handle(ctx, data)
	}
}

// writePump pumps queued messages, and lane events when lane is set, to
// the WebSocket connection. Each message goes in its own frame.
func (h *Handler) writePump(client *Client, lane *router.Lane) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	var events <-chan message.Event
	if lane != nil {
		events = lane.Events()
	}

	write := func(data []byte) bool {
		client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
		return client.Conn().WriteMessage(websocket.TextMessage, data) == nil
	}
	closeFrame := func() {
		client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
		client.Conn().WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}

	for {
		select {
		case data, ok := <-client.SendChan():
			if !ok {
				closeFrame()
				return
			}
			if !write(data) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// The router released the lane.
				closeFrame()
				return
			}
			data, err := encodeEvent(ev)
			if err != nil {
				h.logger.Error("encode event", "type", ev.Kind(), "error", err)
				continue
			}
			if !write(data) {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
