package message

import (
	"fmt"

	"github.com/openmoba/broker/internal/model"
)

// CommandType tags a command.
type CommandType string

const (
	CmdConnectShell    CommandType = "CONNECT_SHELL"
	CmdShellInput      CommandType = "SHELL_INPUT"
	CmdShellResize     CommandType = "SHELL_RESIZE"
	CmdShellHistory    CommandType = "SHELL_HISTORY"
	CmdList            CommandType = "LIST"
	CmdMkdir           CommandType = "MKDIR"
	CmdDelete          CommandType = "DELETE"
	CmdDownload        CommandType = "DOWNLOAD"
	CmdUpload          CommandType = "UPLOAD"
	CmdReadFile        CommandType = "READ_FILE"
	CmdWriteFile       CommandType = "WRITE_FILE"
	CmdConnectDesktopA CommandType = "CONNECT_DESKTOP_A"
	CmdConnectDesktopB CommandType = "CONNECT_DESKTOP_B"
	CmdDesktopKey      CommandType = "DESKTOP_KEY_EVENT"
	CmdDesktopPointer  CommandType = "DESKTOP_POINTER_EVENT"
	CmdDesktopWheel    CommandType = "DESKTOP_WHEEL_EVENT"
	CmdDisconnect      CommandType = "DISCONNECT"
)

// CommandTypes lists every known command type.
var CommandTypes = []CommandType{
	CmdConnectShell, CmdShellInput, CmdShellResize, CmdShellHistory,
	CmdList, CmdMkdir, CmdDelete, CmdDownload, CmdUpload, CmdReadFile, CmdWriteFile,
	CmdConnectDesktopA, CmdConnectDesktopB,
	CmdDesktopKey, CmdDesktopPointer, CmdDesktopWheel,
	CmdDisconnect,
}

// LaneAllowed reports whether the command may be sent over a shell fast lane.
func (t CommandType) LaneAllowed() bool {
	switch t {
	case CmdShellInput, CmdShellResize, CmdShellHistory, CmdDisconnect:
		return true
	}
	return false
}

// Command is implemented by every command payload.
type Command interface {
	Kind() CommandType
	Session() model.SessionID
}

// ConnectShell opens an ssh session.
type ConnectShell struct {
	SessionID      string               `json:"sessionId"`
	Host           string               `json:"host"`
	Port           int                  `json:"port"`
	Username       string               `json:"username"`
	AuthType       model.CredentialKind `json:"authType,omitempty"`
	Password       string               `json:"password,omitempty"`
	PrivateKey     string               `json:"privateKey,omitempty"`
	PrivateKeyPath string               `json:"privateKeyPath,omitempty"`
	Passphrase     string               `json:"passphrase,omitempty"`
}

// Config converts the command into a connection config. The credential
// kind is inferred when AuthType is empty.
func (c ConnectShell) Config() model.ConnectionConfig {
	cred := model.Credential{
		Kind:           c.AuthType,
		Password:       c.Password,
		PrivateKeyPath: c.PrivateKeyPath,
		Passphrase:     c.Passphrase,
	}
	if c.PrivateKey != "" {
		cred.PrivateKey = []byte(c.PrivateKey)
	}
	if cred.Kind == "" {
		switch {
		case c.PrivateKey != "" || c.PrivateKeyPath != "":
			cred.Kind = model.CredentialPrivateKey
		case c.Password != "":
			cred.Kind = model.CredentialPassword
		default:
			cred.Kind = model.CredentialNone
		}
	}
	return model.ConnectionConfig{
		Host:       c.Host,
		Port:       c.Port,
		Username:   c.Username,
		Credential: cred,
		Protocol:   model.ProtocolShell,
	}
}

// ShellInput is terminal input.
type ShellInput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ShellResize changes the remote pty window.
type ShellResize struct {
	SessionID string `json:"sessionId"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// ShellHistory asks for the session scrollback.
type ShellHistory struct {
	SessionID string `json:"sessionId"`
}

// List lists a remote directory.
type List struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId,omitempty"`
	Path      string `json:"path"`
}

// Mkdir creates a remote directory.
type Mkdir struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId,omitempty"`
	Path      string `json:"path"`
}

// Delete removes a remote file or directory.
type Delete struct {
	SessionID   string `json:"sessionId"`
	ReqID       string `json:"reqId,omitempty"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
}

// Download copies a remote file to the local filesystem.
type Download struct {
	SessionID  string `json:"sessionId"`
	ReqID      string `json:"reqId,omitempty"`
	RemotePath string `json:"remotePath"`
	LocalPath  string `json:"localPath"`
}

// Upload copies a local file to the remote host.
type Upload struct {
	SessionID  string `json:"sessionId"`
	ReqID      string `json:"reqId,omitempty"`
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
}

// ReadFile reads a whole remote text file.
type ReadFile struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId,omitempty"`
	Path      string `json:"path"`
}

// WriteFile replaces a whole remote text file.
type WriteFile struct {
	SessionID string `json:"sessionId"`
	ReqID     string `json:"reqId,omitempty"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// ConnectDesktop opens a remote desktop session. Protocol is set from the
// envelope type.
type ConnectDesktop struct {
	Protocol  model.Protocol `json:"-"`
	SessionID string         `json:"sessionId"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Username  string         `json:"username,omitempty"`
	Password  string         `json:"password,omitempty"`
	Domain    string         `json:"domain,omitempty"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
}

// Config converts the command into a connection config.
func (c ConnectDesktop) Config() model.ConnectionConfig {
	kind := model.CredentialNone
	if c.Password != "" {
		kind = model.CredentialPassword
	}
	return model.ConnectionConfig{
		Host:       c.Host,
		Port:       c.Port,
		Username:   c.Username,
		Credential: model.Credential{Kind: kind, Password: c.Password},
		Protocol:   c.Protocol,
		Domain:     c.Domain,
		Width:      c.Width,
		Height:     c.Height,
	}
}

// DesktopKey is a protocol-native key event (keysym for VNC, scancode for RDP).
type DesktopKey struct {
	SessionID string `json:"sessionId"`
	Code      uint32 `json:"code"`
	Pressed   bool   `json:"pressed"`
}

// DesktopPointer is an absolute pointer position with a button mask
// (bit 0 left, bit 1 middle, bit 2 right).
type DesktopPointer struct {
	SessionID string `json:"sessionId"`
	X         uint16 `json:"x"`
	Y         uint16 `json:"y"`
	Mask      uint8  `json:"mask"`
}

// DesktopWheel is a wheel scroll at a position.
type DesktopWheel struct {
	SessionID  string `json:"sessionId"`
	X          uint16 `json:"x"`
	Y          uint16 `json:"y"`
	Step       uint16 `json:"step"`
	Negative   bool   `json:"isNegative"`
	Horizontal bool   `json:"isHorizontal"`
}

// Disconnect closes any session with the id.
type Disconnect struct {
	SessionID string `json:"sessionId"`
}

func (ConnectShell) Kind() CommandType   { return CmdConnectShell }
func (ShellInput) Kind() CommandType     { return CmdShellInput }
func (ShellResize) Kind() CommandType    { return CmdShellResize }
func (ShellHistory) Kind() CommandType   { return CmdShellHistory }
func (List) Kind() CommandType           { return CmdList }
func (Mkdir) Kind() CommandType          { return CmdMkdir }
func (Delete) Kind() CommandType         { return CmdDelete }
func (Download) Kind() CommandType       { return CmdDownload }
func (Upload) Kind() CommandType         { return CmdUpload }
func (ReadFile) Kind() CommandType       { return CmdReadFile }
func (WriteFile) Kind() CommandType      { return CmdWriteFile }
func (DesktopKey) Kind() CommandType     { return CmdDesktopKey }
func (DesktopPointer) Kind() CommandType { return CmdDesktopPointer }
func (DesktopWheel) Kind() CommandType   { return CmdDesktopWheel }
func (Disconnect) Kind() CommandType     { return CmdDisconnect }

func (c ConnectDesktop) Kind() CommandType {
	if c.Protocol == model.ProtocolRDP {
		return CmdConnectDesktopB
	}
	return CmdConnectDesktopA
}

func (c ConnectShell) Session() model.SessionID   { return c.SessionID }
func (c ShellInput) Session() model.SessionID     { return c.SessionID }
func (c ShellResize) Session() model.SessionID    { return c.SessionID }
func (c ShellHistory) Session() model.SessionID   { return c.SessionID }
func (c List) Session() model.SessionID           { return c.SessionID }
func (c Mkdir) Session() model.SessionID          { return c.SessionID }
func (c Delete) Session() model.SessionID         { return c.SessionID }
func (c Download) Session() model.SessionID       { return c.SessionID }
func (c Upload) Session() model.SessionID         { return c.SessionID }
func (c ReadFile) Session() model.SessionID       { return c.SessionID }
func (c WriteFile) Session() model.SessionID      { return c.SessionID }
func (c ConnectDesktop) Session() model.SessionID { return c.SessionID }
func (c DesktopKey) Session() model.SessionID     { return c.SessionID }
func (c DesktopPointer) Session() model.SessionID { return c.SessionID }
func (c DesktopWheel) Session() model.SessionID   { return c.SessionID }
func (c Disconnect) Session() model.SessionID     { return c.SessionID }

// DecodeCommand turns an envelope into its typed command. Types outside the
// known set fail with model.ErrUnknownMessageType.
func DecodeCommand(env Envelope) (Command, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	var cmd Command
	var err error
	switch CommandType(env.Type) {
	case CmdConnectShell:
		cmd, err = decodeInto[ConnectShell](env)
	case CmdShellInput:
		cmd, err = decodeInto[ShellInput](env)
	case CmdShellResize:
		cmd, err = decodeInto[ShellResize](env)
	case CmdShellHistory:
		cmd, err = decodeInto[ShellHistory](env)
	case CmdList:
		cmd, err = decodeInto[List](env)
	case CmdMkdir:
		cmd, err = decodeInto[Mkdir](env)
	case CmdDelete:
		cmd, err = decodeInto[Delete](env)
	case CmdDownload:
		cmd, err = decodeInto[Download](env)
	case CmdUpload:
		cmd, err = decodeInto[Upload](env)
	case CmdReadFile:
		cmd, err = decodeInto[ReadFile](env)
	case CmdWriteFile:
		cmd, err = decodeInto[WriteFile](env)
	case CmdConnectDesktopA, CmdConnectDesktopB:
		var c ConnectDesktop
		if err = env.DecodePayload(&c); err == nil {
			c.Protocol = model.ProtocolVNC
			if CommandType(env.Type) == CmdConnectDesktopB {
				c.Protocol = model.ProtocolRDP
			}
			cmd = c
		}
	case CmdDesktopKey:
		cmd, err = decodeInto[DesktopKey](env)
	case CmdDesktopPointer:
		cmd, err = decodeInto[DesktopPointer](env)
	case CmdDesktopWheel:
		cmd, err = decodeInto[DesktopWheel](env)
	case CmdDisconnect:
		cmd, err = decodeInto[Disconnect](env)
	default:
		return nil, fmt.Errorf("%w: command %q", model.ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	if cmd.Session() == "" {
		return nil, fmt.Errorf("%w: %s without sessionId", ErrMalformed, env.Type)
	}
	return cmd, nil
}

// EncodeCommand wraps a command in its envelope.
func EncodeCommand(cmd Command) (Envelope, error) {
	return NewEnvelope(string(cmd.Kind()), cmd)
}

func decodeInto[T Command](env Envelope) (Command, error) {
	var v T
	if err := env.DecodePayload(&v); err != nil {
		return nil, err
	}
	return v, nil
}
