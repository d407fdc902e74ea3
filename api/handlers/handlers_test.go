package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/openmoba/broker/internal/db"
	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/recorder"
	"github.com/openmoba/broker/internal/repository"
	"github.com/openmoba/broker/internal/vault"
	"github.com/openmoba/broker/internal/worker"
	"github.com/openmoba/broker/internal/ws"
)

type fakeConnector struct {
	mu   sync.Mutex
	cmds []message.Command
	err  error
}

func (f *fakeConnector) Submit(_ context.Context, cmd message.Command) (*ws.LaneInit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.cmds = append(f.cmds, cmd)
	if cmd.Kind() != message.CmdConnectShell {
		return nil, nil
	}
	return &ws.LaneInit{SessionID: cmd.Session(), Path: ws.DefaultLanePrefix + cmd.Session(), Token: "tok"}, nil
}

func (f *fakeConnector) last() message.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return nil
	}
	return f.cmds[len(f.cmds)-1]
}

type testAPI struct {
	engine    *gin.Engine
	secrets   *vault.Vault
	connector *fakeConnector
}

func setupAPI(t *testing.T) *testAPI {
	gin.SetMode(gin.TestMode)
	keyring.MockInit()

	conn, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	api := &testAPI{
		engine:    gin.New(),
		secrets:   vault.New("broker-test", nil),
		connector: &fakeConnector{},
	}
	h := NewRecordHandler(repository.NewRecordRepository(conn), api.secrets, api.connector, nil)
	h.RegisterRoutes(api.engine.Group("/api"))
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRecordHandler_CRUD(t *testing.T) {
	api := setupAPI(t)

	w := api.do(t, http.MethodPost, "/api/records", map[string]any{
		"host":     "10.0.0.7",
		"username": "ops",
		"password": "hunter2",
		"group":    "lab",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "hunter2")

	created := decode[RecordResponse](t, w)
	assert.True(t, created.HasSecret)
	assert.Equal(t, 22, created.Port)
	assert.Equal(t, "hunter2", api.secrets.Get(created.ID))

	t.Run("list", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/api/records", nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decode[[]RecordResponse](t, w)
		require.Len(t, list, 1)
		assert.Equal(t, created.ID, list[0].ID)
	})

	t.Run("update keeps secret when password omitted", func(t *testing.T) {
		w := api.do(t, http.MethodPut, "/api/records/"+created.ID, map[string]any{
			"host":     "10.0.0.8",
			"username": "ops",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "10.0.0.8", decode[RecordResponse](t, w).Host)
		assert.Equal(t, "hunter2", api.secrets.Get(created.ID))
	})

	t.Run("update with empty password clears secret", func(t *testing.T) {
		w := api.do(t, http.MethodPut, "/api/records/"+created.ID, map[string]any{
			"host":     "10.0.0.8",
			"username": "ops",
			"password": "",
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decode[RecordResponse](t, w).HasSecret)
	})

	t.Run("validation", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/records", map[string]any{"username": "ops"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = api.do(t, http.MethodPost, "/api/records", map[string]any{"host": "h"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, model.CodeInvalidConfig, decode[ErrorResponse](t, w).Error.Code)
	})

	t.Run("not found", func(t *testing.T) {
		for _, w := range []*httptest.ResponseRecorder{
			api.do(t, http.MethodGet, "/api/records/missing", nil),
			api.do(t, http.MethodPut, "/api/records/missing", map[string]any{"host": "h", "username": "u"}),
			api.do(t, http.MethodDelete, "/api/records/missing", nil),
			api.do(t, http.MethodPost, "/api/records/missing/connect", nil),
		} {
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, codeRecordNotFound, decode[ErrorResponse](t, w).Error.Code)
		}
	})

	w = api.do(t, http.MethodDelete, "/api/records/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, api.secrets.Get(created.ID))
}

func TestRecordHandler_Connect(t *testing.T) {
	api := setupAPI(t)

	t.Run("shell gets a lane", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/records", map[string]any{
			"host": "h", "username": "u", "password": "pw",
		})
		rec := decode[RecordResponse](t, w)

		w = api.do(t, http.MethodPost, "/api/records/"+rec.ID+"/connect", map[string]any{"sessionId": "s1"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		resp := decode[ConnectResponse](t, w)
		assert.Equal(t, "s1", resp.SessionID)
		require.NotNil(t, resp.Lane)
		assert.Equal(t, ws.DefaultLanePrefix+"s1", resp.Lane.Path)

		cmd, ok := api.connector.last().(message.ConnectShell)
		require.True(t, ok)
		assert.Equal(t, "pw", cmd.Password)
		assert.Equal(t, model.CredentialPassword, cmd.AuthType)
		assert.Equal(t, 22, cmd.Port)
	})

	t.Run("rdp carries domain and size", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/records", map[string]any{
			"host": "win", "username": "admin", "password": "pw", "protocol": "rdp", "domain": "CORP",
		})
		rec := decode[RecordResponse](t, w)

		w = api.do(t, http.MethodPost, "/api/records/"+rec.ID+"/connect", map[string]any{"width": 1280, "height": 720})
		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decode[ConnectResponse](t, w)
		assert.NotEmpty(t, resp.SessionID)
		assert.Nil(t, resp.Lane)

		cmd, ok := api.connector.last().(message.ConnectDesktop)
		require.True(t, ok)
		assert.Equal(t, message.CmdConnectDesktopB, cmd.Kind())
		assert.Equal(t, "CORP", cmd.Domain)
		assert.Equal(t, 1280, cmd.Width)
		assert.Equal(t, 3389, cmd.Port)
	})

	t.Run("submit errors are mapped", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/api/records", map[string]any{"host": "h", "username": "u"})
		rec := decode[RecordResponse](t, w)

		api.connector.err = model.ErrDuplicateSession
		defer func() { api.connector.err = nil }()
		w = api.do(t, http.MethodPost, "/api/records/"+rec.ID+"/connect", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestGatewayHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	svc := ws.NewService(ws.ServiceConfig{Dispatcher: worker.New(worker.Config{})})
	engine := gin.New()
	NewGatewayHandler(svc, dir, nil).RegisterRoutes(engine, engine.Group("/api"))

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"ok"`)
		assert.Contains(t, w.Body.String(), `"lanes":0`)
	})

	t.Run("recording download", func(t *testing.T) {
		rec, err := recorder.Create(dir, "s1", "test", 80, 24)
		require.NoError(t, err)
		require.NoError(t, rec.WriteOutput([]byte("hello")))
		require.NoError(t, rec.Close())

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/recordings/s1", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/x-asciicast", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "s1.cast")

		data, err := os.ReadFile(recorder.Path(dir, "s1"))
		require.NoError(t, err)
		assert.Equal(t, string(data), w.Body.String())
	})

	t.Run("missing recording", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/recordings/none", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown lane", func(t *testing.T) {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/lanes/none?token=x", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
