package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoba/broker/internal/connection"
	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/shell"
	"github.com/openmoba/broker/internal/sshtest"
	"github.com/openmoba/broker/internal/worker"
)

type gateway struct {
	service *Service
	server  *httptest.Server
	ssh     *sshtest.Server
}

func newGateway(t *testing.T) *gateway {
	d := worker.New(worker.Config{
		Connections: connection.NewManager(connection.Config{
			Shell: shell.Options{ConnectTimeout: 5 * time.Second, KeepAlive: -1, StatsInterval: -1},
		}),
		DrainTimeout: 100 * time.Millisecond,
	})
	svc := NewService(ServiceConfig{Dispatcher: d})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		svc.Handler().ServeBroadcast(w, r)
	})
	mux.HandleFunc(DefaultLanePrefix, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, DefaultLanePrefix)
		svc.Handler().ServeLane(w, r, id, r.URL.Query().Get("token"))
	})
	srv := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return &gateway{service: svc, server: srv, ssh: sshtest.NewServer(t)}
}

func (g *gateway) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(g.server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := message.NewEnvelope(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil reads envelopes until one has the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) message.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env message.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", typ)
		if env.Type == typ {
			return env
		}
	}
}

func TestGateway_ShellOverLane(t *testing.T) {
	g := newGateway(t)

	bc, _, err := g.dial(t, "/ws")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.service.Hub().ClientCount() == 1 }, time.Second, time.Millisecond)

	send(t, bc, string(message.CmdConnectShell), message.ConnectShell{
		SessionID: "s1",
		Host:      g.ssh.Host(),
		Port:      g.ssh.Port(),
		Username:  sshtest.User,
		Password:  sshtest.Password,
	})

	var init LaneInit
	require.NoError(t, readUntil(t, bc, string(MessageTypeLaneInit)).DecodePayload(&init))
	assert.Equal(t, "s1", init.SessionID)
	assert.Equal(t, DefaultLanePrefix+"s1", init.Path)

	t.Run("wrong token", func(t *testing.T) {
		_, resp, err := g.dial(t, init.Path+"?token=nope")
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	lane, _, err := g.dial(t, init.Path+"?token="+url.QueryEscape(init.Token))
	require.NoError(t, err)

	t.Run("second consumer", func(t *testing.T) {
		_, resp, err := g.dial(t, init.Path+"?token="+url.QueryEscape(init.Token))
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	readUntil(t, lane, string(message.EvtShellReady))

	send(t, lane, string(message.CmdShellInput), message.ShellInput{SessionID: "s1", Data: "whoami\n"})
	for {
		env := readUntil(t, lane, string(message.EvtShellData))
		var data message.ShellData
		require.NoError(t, env.DecodePayload(&data))
		if strings.Contains(data.Data, "whoami") {
			break
		}
	}

	t.Run("file commands are refused on the lane", func(t *testing.T) {
		send(t, lane, string(message.CmdList), message.List{SessionID: "s1", Path: "/"})
		var reply ErrorReply
		require.NoError(t, readUntil(t, lane, string(MessageTypeError)).DecodePayload(&reply))
		assert.Equal(t, codeLane, reply.Code)
	})

	t.Run("file commands work on the broadcast socket", func(t *testing.T) {
		send(t, bc, string(message.CmdList), message.List{SessionID: "s1", ReqID: "r1", Path: t.TempDir()})
		var list message.FileListSuccess
		require.NoError(t, readUntil(t, bc, string(message.EvtFileListSuccess)).DecodePayload(&list))
		assert.Equal(t, "r1", list.ReqID)
	})

	send(t, lane, string(message.CmdDisconnect), message.Disconnect{SessionID: "s1"})
	readUntil(t, lane, string(message.EvtShellClose))

	// The router releases the lane and the socket is closed.
	lane.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := lane.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	assert.Zero(t, g.service.Status().Lanes)
}

func TestGateway_LaneDetachFallsBackToBroadcast(t *testing.T) {
	g := newGateway(t)
	bc, _, err := g.dial(t, "/ws")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.service.Hub().ClientCount() == 1 }, time.Second, time.Millisecond)

	send(t, bc, string(message.CmdConnectShell), message.ConnectShell{
		SessionID: "s2", Host: g.ssh.Host(), Port: g.ssh.Port(), Username: sshtest.User, Password: sshtest.Password,
	})
	var init LaneInit
	require.NoError(t, readUntil(t, bc, string(MessageTypeLaneInit)).DecodePayload(&init))

	lane, _, err := g.dial(t, init.Path+"?token="+url.QueryEscape(init.Token))
	require.NoError(t, err)
	readUntil(t, lane, string(message.EvtShellReady))
	lane.Close()

	require.Eventually(t, func() bool { return g.service.Status().Lanes == 0 }, 5*time.Second, time.Millisecond)

	send(t, bc, string(message.CmdShellInput), message.ShellInput{SessionID: "s2", Data: "echo back\n"})
	readUntil(t, bc, string(message.EvtShellData))
}

func TestGateway_Errors(t *testing.T) {
	g := newGateway(t)
	bc, _, err := g.dial(t, "/ws")
	require.NoError(t, err)

	t.Run("ping", func(t *testing.T) {
		send(t, bc, string(MessageTypePing), nil)
		readUntil(t, bc, string(MessageTypePong))
	})

	t.Run("unknown command", func(t *testing.T) {
		send(t, bc, "FORMAT_DISK", map[string]string{"sessionId": "x"})
		var reply ErrorReply
		require.NoError(t, readUntil(t, bc, string(MessageTypeError)).DecodePayload(&reply))
		assert.Equal(t, model.CodeUnknownMessageType, reply.Code)
		assert.Equal(t, int64(1), g.service.Status().Sessions.Unknown)
	})

	t.Run("malformed frame", func(t *testing.T) {
		require.NoError(t, bc.WriteMessage(websocket.TextMessage, []byte("{not json")))
		var reply ErrorReply
		require.NoError(t, readUntil(t, bc, string(MessageTypeError)).DecodePayload(&reply))
		assert.Equal(t, codeMalformed, reply.Code)
	})

	t.Run("auth failure is broadcast", func(t *testing.T) {
		send(t, bc, string(message.CmdConnectShell), message.ConnectShell{
			SessionID: "bad", Host: g.ssh.Host(), Port: g.ssh.Port(), Username: sshtest.User, Password: "wrong",
		})
		readUntil(t, bc, string(MessageTypeLaneInit))
		// The lane never gets a consumer, and SHELL_ERROR closes it.
		require.Eventually(t, func() bool { return g.service.Status().Lanes == 0 }, 5*time.Second, time.Millisecond)
	})

	t.Run("unknown lane", func(t *testing.T) {
		_, resp, err := g.dial(t, DefaultLanePrefix+"ghost?token=x")
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHub_BroadcastEncodesEnvelope(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	client := NewClient(hub, nil, "c1")
	hub.Register(client)
	hub.Broadcast(message.ShellData{SessionID: "s", Data: "\x1b[31mred\x1b[0m"})

	select {
	case data := <-client.SendChan():
		var env message.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		ev, err := message.DecodeEvent(env)
		require.NoError(t, err)
		assert.Equal(t, message.ShellData{SessionID: "s", Data: "\x1b[31mred\x1b[0m"}, ev)
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}

	hub.Unregister(client)
	assert.True(t, client.IsClosed())
	assert.False(t, hub.HasClients())
}
