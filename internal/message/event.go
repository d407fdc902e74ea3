package message

import (
	"fmt"

	"github.com/openmoba/broker/internal/model"
)

// EventType tags an event.
type EventType string

const (
	EvtWorkerReady       EventType = "WORKER_READY"
	EvtShellReady        EventType = "SHELL_READY"
	EvtShellData         EventType = "SHELL_DATA"
	EvtShellError        EventType = "SHELL_ERROR"
	EvtShellClose        EventType = "SHELL_CLOSE"
	EvtShellStats        EventType = "SHELL_STATS"
	EvtShellHistory      EventType = "SHELL_HISTORY"
	EvtFileListSuccess   EventType = "FILE_LIST_SUCCESS"
	EvtFileError         EventType = "FILE_ERROR"
	EvtFileActionSuccess EventType = "FILE_ACTION_SUCCESS"
	EvtFileProgress      EventType = "FILE_PROGRESS"
	EvtFileReadSuccess   EventType = "FILE_READ_SUCCESS"
	EvtFileWriteSuccess  EventType = "FILE_WRITE_SUCCESS"
	EvtDesktopConnected  EventType = "DESKTOP_CONNECTED"
	EvtDesktopError      EventType = "DESKTOP_ERROR"
	EvtDesktopClosed     EventType = "DESKTOP_CLOSED"
	EvtDesktopFrame      EventType = "DESKTOP_FRAME"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EvtWorkerReady,
	EvtShellReady, EvtShellData, EvtShellError, EvtShellClose, EvtShellStats, EvtShellHistory,
	EvtFileListSuccess, EvtFileError, EvtFileActionSuccess, EvtFileProgress, EvtFileReadSuccess, EvtFileWriteSuccess,
	EvtDesktopConnected, EvtDesktopError, EvtDesktopClosed, EvtDesktopFrame,
}

// Family groups event types by the protocol that produces them.
type Family string

const (
	FamilyUnknown Family = ""
	FamilyWorker  Family = "worker"
	FamilyShell   Family = "shell"
	FamilyFile    Family = "file"
	FamilyDesktop Family = "desktop"
)

// Family classifies the event type.
func (t EventType) Family() Family {
	switch t {
	case EvtWorkerReady:
		return FamilyWorker
	case EvtShellReady, EvtShellData, EvtShellError, EvtShellClose, EvtShellStats, EvtShellHistory:
		return FamilyShell
	case EvtFileListSuccess, EvtFileError, EvtFileActionSuccess, EvtFileProgress, EvtFileReadSuccess, EvtFileWriteSuccess:
		return FamilyFile
	case EvtDesktopConnected, EvtDesktopError, EvtDesktopClosed, EvtDesktopFrame:
		return FamilyDesktop
	}
	return FamilyUnknown
}

// Terminal reports whether the event ends a shell session's fast lane.
func (t EventType) Terminal() bool {
	return t == EvtShellClose || t == EvtShellError
}

// Event is implemented by every event payload.
type Event interface {
	Kind() EventType
	Session() model.SessionID
}

// WorkerReady is posted once when the dispatcher starts consuming commands.
type WorkerReady struct{}

type ShellReady struct {
	SessionID string `json:"sessionId"`
}

type ShellData struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ShellError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
	Code      string `json:"code"`
}

// ShellClose is the close confirmation of a shell session.
type ShellClose struct {
	SessionID string `json:"sessionId"`
}

type ShellStats struct {
	SessionID string      `json:"sessionId"`
	Stats     model.Stats `json:"stats"`
}

// ShellHistoryData carries the scrollback of a shell session.
type ShellHistoryData struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type FileListSuccess struct {
	SessionID string            `json:"sessionId"`
	ReqID     string            `json:"reqId"`
	Path      string            `json:"path"`
	Files     []model.FileEntry `json:"files"`
}

type FileError struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId"`
	Error     string `json:"error"`
	Code      string `json:"code"`
}

// FileActionSuccess acknowledges mkdir, delete, download and upload.
type FileActionSuccess struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId"`
	Action    string `json:"action"`
	Path      string `json:"path"`
}

type FileProgress struct {
	model.TransferProgress
}

type FileReadSuccess struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type FileWriteSuccess struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId"`
	Path      string `json:"path"`
}

type DesktopConnected struct {
	SessionID string         `json:"sessionId"`
	Protocol  model.Protocol `json:"protocol"`
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Name      string         `json:"name,omitempty"`
}

type DesktopError struct {
	SessionID string         `json:"sessionId"`
	Protocol  model.Protocol `json:"protocol"`
	Error     string         `json:"error"`
	Code      string         `json:"code"`
}

// DesktopClosed is the close confirmation of a desktop session.
type DesktopClosed struct {
	SessionID string         `json:"sessionId"`
	Protocol  model.Protocol `json:"protocol"`
}

// DesktopFrame is one rectangle update. PixelData is RGBA unless
// Compressed is set, in which case it is the protocol's own bitmap codec.
type DesktopFrame struct {
	SessionID    string         `json:"sessionId"`
	Protocol     model.Protocol `json:"protocol"`
	X            int            `json:"x"`
	Y            int            `json:"y"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	BitsPerPixel int            `json:"bitsPerPixel"`
	Compressed   bool           `json:"compressed,omitempty"`
	PixelData    []byte         `json:"pixelData"`
}

func (WorkerReady) Kind() EventType       { return EvtWorkerReady }
func (ShellReady) Kind() EventType        { return EvtShellReady }
func (ShellData) Kind() EventType         { return EvtShellData }
func (ShellError) Kind() EventType        { return EvtShellError }
func (ShellClose) Kind() EventType        { return EvtShellClose }
func (ShellStats) Kind() EventType        { return EvtShellStats }
func (ShellHistoryData) Kind() EventType  { return EvtShellHistory }
func (FileListSuccess) Kind() EventType   { return EvtFileListSuccess }
func (FileError) Kind() EventType         { return EvtFileError }
func (FileActionSuccess) Kind() EventType { return EvtFileActionSuccess }
func (FileProgress) Kind() EventType      { return EvtFileProgress }
func (FileReadSuccess) Kind() EventType   { return EvtFileReadSuccess }
func (FileWriteSuccess) Kind() EventType  { return EvtFileWriteSuccess }
func (DesktopConnected) Kind() EventType  { return EvtDesktopConnected }
func (DesktopError) Kind() EventType      { return EvtDesktopError }
func (DesktopClosed) Kind() EventType     { return EvtDesktopClosed }
func (DesktopFrame) Kind() EventType      { return EvtDesktopFrame }

func (WorkerReady) Session() model.SessionID         { return "" }
func (e ShellReady) Session() model.SessionID        { return e.SessionID }
func (e ShellData) Session() model.SessionID         { return e.SessionID }
func (e ShellError) Session() model.SessionID        { return e.SessionID }
func (e ShellClose) Session() model.SessionID        { return e.SessionID }
func (e ShellStats) Session() model.SessionID        { return e.SessionID }
func (e ShellHistoryData) Session() model.SessionID  { return e.SessionID }
func (e FileListSuccess) Session() model.SessionID   { return e.SessionID }
func (e FileError) Session() model.SessionID         { return e.SessionID }
func (e FileActionSuccess) Session() model.SessionID { return e.SessionID }
func (e FileProgress) Session() model.SessionID      { return e.SessionID }
func (e FileReadSuccess) Session() model.SessionID   { return e.SessionID }
func (e FileWriteSuccess) Session() model.SessionID  { return e.SessionID }
func (e DesktopConnected) Session() model.SessionID  { return e.SessionID }
func (e DesktopError) Session() model.SessionID      { return e.SessionID }
func (e DesktopClosed) Session() model.SessionID     { return e.SessionID }
func (e DesktopFrame) Session() model.SessionID      { return e.SessionID }

// NewShellError builds a SHELL_ERROR carrying the taxonomy code of err.
func NewShellError(id model.SessionID, err error) ShellError {
	return ShellError{SessionID: id, Error: err.Error(), Code: model.ErrorCode(err)}
}

// NewFileError builds a FILE_ERROR carrying the taxonomy code of err.
func NewFileError(id model.SessionID, reqID string, err error) FileError {
	return FileError{SessionID: id, ReqID: reqID, Error: err.Error(), Code: model.ErrorCode(err)}
}

// NewDesktopError builds a DESKTOP_ERROR carrying the taxonomy code of err.
func NewDesktopError(id model.SessionID, p model.Protocol, err error) DesktopError {
	return DesktopError{SessionID: id, Protocol: p, Error: err.Error(), Code: model.ErrorCode(err)}
}

// EncodeEvent wraps an event in its envelope.
func EncodeEvent(ev Event) (Envelope, error) {
	return NewEnvelope(string(ev.Kind()), ev)
}

// DecodeEvent turns an envelope into its typed event. Types outside the
// known set fail with model.ErrUnknownMessageType.
func DecodeEvent(env Envelope) (Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	switch EventType(env.Type) {
	case EvtWorkerReady:
		return WorkerReady{}, nil
	case EvtShellReady:
		return decodeEvent[ShellReady](env)
	case EvtShellData:
		return decodeEvent[ShellData](env)
	case EvtShellError:
		return decodeEvent[ShellError](env)
	case EvtShellClose:
		return decodeEvent[ShellClose](env)
	case EvtShellStats:
		return decodeEvent[ShellStats](env)
	case EvtShellHistory:
		return decodeEvent[ShellHistoryData](env)
	case EvtFileListSuccess:
		return decodeEvent[FileListSuccess](env)
	case EvtFileError:
		return decodeEvent[FileError](env)
	case EvtFileActionSuccess:
		return decodeEvent[FileActionSuccess](env)
	case EvtFileProgress:
		return decodeEvent[FileProgress](env)
	case EvtFileReadSuccess:
		return decodeEvent[FileReadSuccess](env)
	case EvtFileWriteSuccess:
		return decodeEvent[FileWriteSuccess](env)
	case EvtDesktopConnected:
		return decodeEvent[DesktopConnected](env)
	case EvtDesktopError:
		return decodeEvent[DesktopError](env)
	case EvtDesktopClosed:
		return decodeEvent[DesktopClosed](env)
	case EvtDesktopFrame:
		return decodeEvent[DesktopFrame](env)
	}
	return nil, fmt.Errorf("%w: event %q", model.ErrUnknownMessageType, env.Type)
}

func decodeEvent[T Event](env Envelope) (Event, error) {
	var v T
	if err := env.DecodePayload(&v); err != nil {
		return nil, err
	}
	return v, nil
}
