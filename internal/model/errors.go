package model

import "errors"

var (
	// ErrAuthFailure is returned when the remote host rejects the supplied credentials.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrNetworkError is returned when the remote host is unreachable or the connection was reset.
	ErrNetworkError = errors.New("network error")

	// ErrTimeout is returned when the transport gave up waiting for the remote host.
	ErrTimeout = errors.New("connection timed out")

	// ErrSessionNotFound is returned when no session is registered for an id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned when a session id is already registered or being created.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrProtocolError is returned for malformed remote responses.
	ErrProtocolError = errors.New("protocol error")

	// ErrProtocolNotSupported is returned when the remote host refuses a sub-protocol (e.g. sftp).
	ErrProtocolNotSupported = errors.New("protocol not supported")

	// ErrDisconnected is returned for operations issued against a closed or failed session.
	ErrDisconnected = errors.New("session disconnected")

	// ErrUnknownMessageType is reported when a command or event carries a type outside the known set.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrInvalidConfig is returned when a connection config is incomplete.
	ErrInvalidConfig = errors.New("invalid connection config")

	// ErrRecordNotFound is returned when a saved session record does not exist.
	ErrRecordNotFound = errors.New("session record not found")
)

// Error codes carried on error events.
const (
	CodeAuthFailure         = "AUTH_FAILURE"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeDuplicateSession    = "DUPLICATE_SESSION"
	CodeProtocolError       = "PROTOCOL_ERROR"
	CodeProtocolUnsupported = "PROTOCOL_NOT_SUPPORTED"
	CodeDisconnected        = "DISCONNECTED"
	CodeUnknownMessageType  = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeInternal            = "INTERNAL_ERROR"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthFailure, CodeAuthFailure},
	{ErrTimeout, CodeTimeout},
	{ErrNetworkError, CodeNetworkError},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrDuplicateSession, CodeDuplicateSession},
	{ErrProtocolNotSupported, CodeProtocolUnsupported},
	{ErrProtocolError, CodeProtocolError},
	{ErrDisconnected, CodeDisconnected},
	{ErrUnknownMessageType, CodeUnknownMessageType},
	{ErrInvalidConfig, CodeInvalidConfig},
}

// ErrorCode maps an error to the code sent to UI consumers.
// Errors outside the taxonomy map to CodeInternal.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
