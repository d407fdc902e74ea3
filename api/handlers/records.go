package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/ws"
)

// RecordStore persists saved session records.
type RecordStore interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	GetByID(ctx context.Context, id string) (*model.SessionRecord, error)
	List(ctx context.Context) ([]*model.SessionRecord, error)
	Update(ctx context.Context, rec *model.SessionRecord) error
	Delete(ctx context.Context, id string) error
}

// SecretStore keeps record passwords out of the record store.
type SecretStore interface {
	Set(id, secret string) error
	Get(id string) string
	Delete(id string) error
}

// Connector submits connect commands to the broker.
type Connector interface {
	Submit(ctx context.Context, cmd message.Command) (*ws.LaneInit, error)
}

// RecordHandler handles saved session records and connecting from them.
type RecordHandler struct {
	records   RecordStore
	secrets   SecretStore
	connector Connector
	logger    *slog.Logger
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(records RecordStore, secrets SecretStore, connector Connector, logger *slog.Logger) *RecordHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordHandler{
		records:   records,
		secrets:   secrets,
		connector: connector,
		logger:    logger.With("component", "records"),
	}
}

// RecordRequest is the body of record create and update. Password goes to
// the vault; an omitted password on update keeps the stored one.
type RecordRequest struct {
	Label          string               `json:"label"`
	Host           string               `json:"host" binding:"required"`
	Port           int                  `json:"port"`
	Username       string               `json:"username"`
	AuthType       model.CredentialKind `json:"authType"`
	PrivateKeyPath string               `json:"privateKeyPath"`
	Group          string               `json:"group"`
	Protocol       model.Protocol       `json:"protocol"`
	Domain         string               `json:"domain"`
	Password       *string              `json:"password"`
}

// RecordResponse represents a record in API responses.
type RecordResponse struct {
	*model.SessionRecord
	HasSecret bool `json:"hasSecret"`
}

// ConnectRequest is the optional body of a connect call.
type ConnectRequest struct {
	SessionID string `json:"sessionId"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ConnectResponse tells the caller which session was started and, for
// shells, where its lane is.
type ConnectResponse struct {
	SessionID string         `json:"sessionId"`
	Protocol  model.Protocol `json:"protocol"`
	Lane      *ws.LaneInit   `json:"lane,omitempty"`
}

func (req *RecordRequest) apply(rec *model.SessionRecord) {
	rec.Label = req.Label
	rec.Host = req.Host
	rec.Port = req.Port
	rec.Username = req.Username
	rec.AuthType = req.AuthType
	rec.PrivateKeyPath = req.PrivateKeyPath
	rec.Group = req.Group
	rec.Protocol = req.Protocol
	rec.Domain = req.Domain
}

func (h *RecordHandler) toResponse(rec *model.SessionRecord) RecordResponse {
	return RecordResponse{SessionRecord: rec, HasSecret: h.secrets.Get(rec.ID) != ""}
}

// List handles GET /api/records.
func (h *RecordHandler) List(c *gin.Context) {
	records, err := h.records.List(c.Request.Context())
	if err != nil {
		sendModelError(c, err)
		return
	}
	response := make([]RecordResponse, len(records))
	for i, rec := range records {
		response[i] = h.toResponse(rec)
	}
	c.JSON(http.StatusOK, response)
}

// Create handles POST /api/records.
func (h *RecordHandler) Create(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, codeValidation, "Invalid request body: "+err.Error())
		return
	}

	rec := &model.SessionRecord{}
	req.apply(rec)
	if err := h.records.Create(c.Request.Context(), rec); err != nil {
		sendModelError(c, err)
		return
	}
	if req.Password != nil {
		if err := h.secrets.Set(rec.ID, *req.Password); err != nil {
			h.logger.Error("store secret failed", "record_id", rec.ID, "error", err)
			sendError(c, http.StatusInternalServerError, model.CodeInternal, err.Error())
			return
		}
	}
	h.logger.Info("record created", "record_id", rec.ID, "protocol", rec.Protocol)
	c.JSON(http.StatusCreated, h.toResponse(rec))
}

// Get handles GET /api/records/:id.
func (h *RecordHandler) Get(c *gin.Context) {
	rec, err := h.records.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toResponse(rec))
}

// Update handles PUT /api/records/:id.
func (h *RecordHandler) Update(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, codeValidation, "Invalid request body: "+err.Error())
		return
	}

	rec, err := h.records.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	req.apply(rec)
	if err := h.records.Update(c.Request.Context(), rec); err != nil {
		sendModelError(c, err)
		return
	}
	if req.Password != nil {
		if err := h.secrets.Set(rec.ID, *req.Password); err != nil {
			sendError(c, http.StatusInternalServerError, model.CodeInternal, err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, h.toResponse(rec))
}

// Delete handles DELETE /api/records/:id and drops the stored secret.
func (h *RecordHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.records.Delete(c.Request.Context(), id); err != nil {
		sendModelError(c, err)
		return
	}
	if err := h.secrets.Delete(id); err != nil {
		h.logger.Warn("delete secret failed", "record_id", id, "error", err)
	}
	c.Status(http.StatusNoContent)
}

// Connect handles POST /api/records/:id/connect. The connect command is
// built from the record and its vault secret; results arrive as events on
// the websocket.
func (h *RecordHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, codeValidation, "Invalid request body: "+err.Error())
			return
		}
	}

	rec, err := h.records.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendModelError(c, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	cfg := rec.ConnectionConfig(h.secrets.Get(rec.ID))
	cfg.Width, cfg.Height = req.Width, req.Height
	cmd := connectCommand(req.SessionID, cfg)

	// The command outlives the request.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lane, err := h.connector.Submit(ctx, cmd)
	if err != nil {
		sendModelError(c, err)
		return
	}

	h.logger.Info("connect submitted", "record_id", rec.ID, "session_id", req.SessionID, "protocol", rec.Protocol)
	c.JSON(http.StatusAccepted, ConnectResponse{
		SessionID: req.SessionID,
		Protocol:  rec.Protocol,
		Lane:      lane,
	})
}

func connectCommand(id model.SessionID, cfg model.ConnectionConfig) message.Command {
	if cfg.Protocol == model.ProtocolShell {
		return message.ConnectShell{
			SessionID:      id,
			Host:           cfg.Host,
			Port:           cfg.Port,
			Username:       cfg.Username,
			AuthType:       cfg.Credential.Kind,
			Password:       cfg.Credential.Password,
			PrivateKeyPath: cfg.Credential.PrivateKeyPath,
			Passphrase:     cfg.Credential.Passphrase,
		}
	}
	return message.ConnectDesktop{
		Protocol:  cfg.Protocol,
		SessionID: id,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		Password:  cfg.Credential.Password,
		Domain:    cfg.Domain,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}
}

// RegisterRoutes registers the record routes on a Gin router group.
func (h *RecordHandler) RegisterRoutes(rg *gin.RouterGroup) {
	records := rg.Group("/records")
	{
		records.GET("", h.List)
		records.POST("", h.Create)
		records.GET("/:id", h.Get)
		records.PUT("/:id", h.Update)
		records.DELETE("/:id", h.Delete)
		records.POST("/:id/connect", h.Connect)
	}
}
