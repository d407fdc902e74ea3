// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openmoba/broker/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeValidation     = "VALIDATION_ERROR"
	codeRecordNotFound = "RECORD_NOT_FOUND"
	codeNotFound       = "NOT_FOUND"
)

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendModelError maps a broker error onto a status and the taxonomy code.
func sendModelError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrRecordNotFound):
		sendError(c, http.StatusNotFound, codeRecordNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidConfig):
		sendError(c, http.StatusBadRequest, model.CodeInvalidConfig, err.Error())
	case errors.Is(err, model.ErrDuplicateSession):
		sendError(c, http.StatusConflict, model.CodeDuplicateSession, err.Error())
	case errors.Is(err, model.ErrProtocolNotSupported):
		sendError(c, http.StatusNotImplemented, model.CodeProtocolUnsupported, err.Error())
	default:
		sendError(c, http.StatusInternalServerError, model.ErrorCode(err), err.Error())
	}
}
