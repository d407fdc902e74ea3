package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// SessionID identifies one logical remote session across all registries.
type SessionID = string

// Protocol is the protocol a session speaks.
type Protocol string

const (
	ProtocolShell Protocol = "shell"
	ProtocolVNC   Protocol = "vnc"
	ProtocolRDP   Protocol = "rdp"
)

// DefaultPort returns the well-known port for the protocol.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolVNC:
		return 5900
	case ProtocolRDP:
		return 3389
	default:
		return 22
	}
}

// Valid reports whether p is one of the known protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolShell, ProtocolVNC, ProtocolRDP:
		return true
	}
	return false
}

// CredentialKind selects how a session authenticates.
type CredentialKind string

const (
	CredentialNone       CredentialKind = "none"
	CredentialPassword   CredentialKind = "password"
	CredentialPrivateKey CredentialKind = "privateKey"
	CredentialAgent      CredentialKind = "agent"
)

// Credential holds the secret material supplied at connect time.
// It is never persisted.
type Credential struct {
	Kind           CredentialKind `json:"kind"`
	Password       string         `json:"-"`
	PrivateKey     []byte         `json:"-"`
	PrivateKeyPath string         `json:"privateKeyPath,omitempty"`
	Passphrase     string         `json:"-"`
}

// ConnectionConfig describes the remote end of a session. It is immutable
// once a session has been created from it.
type ConnectionConfig struct {
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Username   string     `json:"username"`
	Credential Credential `json:"credential"`
	Protocol   Protocol   `json:"protocol"`

	// Remote desktop only.
	Domain string `json:"domain,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Addr returns host:port, falling back to the protocol's default port.
func (c ConnectionConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = c.Protocol.DefaultPort()
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Validate checks the fields every protocol needs.
func (c ConnectionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if !c.Protocol.Valid() {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, c.Protocol)
	}
	if c.Protocol == ProtocolShell && c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidConfig)
	}
	return nil
}

// SessionRecord is a saved connection as stored on disk. Passwords live in
// the vault, never here.
type SessionRecord struct {
	ID             string         `json:"id"`
	Label          string         `json:"label"`
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	Username       string         `json:"username"`
	AuthType       CredentialKind `json:"authType"`
	PrivateKeyPath string         `json:"privateKeyPath,omitempty"`
	Group          string         `json:"group,omitempty"`
	Protocol       Protocol       `json:"protocol"`
	Domain         string         `json:"domain,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ConnectionConfig builds the config for connecting with this record. The
// secret comes from the vault and may be empty.
func (r *SessionRecord) ConnectionConfig(secret string) ConnectionConfig {
	cred := Credential{Kind: r.AuthType, PrivateKeyPath: r.PrivateKeyPath}
	switch r.AuthType {
	case CredentialPassword:
		cred.Password = secret
	case CredentialPrivateKey:
		cred.Passphrase = secret
	case "":
		cred.Kind = CredentialNone
		if secret != "" {
			cred.Kind = CredentialPassword
			cred.Password = secret
		}
	}
	return ConnectionConfig{
		Host:       r.Host,
		Port:       r.Port,
		Username:   r.Username,
		Credential: cred,
		Protocol:   r.Protocol,
		Domain:     r.Domain,
	}
}

// Normalize fills defaulted fields.
func (r *SessionRecord) Normalize() {
	if r.Label == "" {
		r.Label = r.Host
	}
	if r.Protocol == "" {
		r.Protocol = ProtocolShell
	}
	if r.AuthType == "" {
		r.AuthType = CredentialPassword
	}
	if r.Port == 0 {
		r.Port = r.Protocol.DefaultPort()
	}
}

// Validate validates a record before it is stored.
func (r *SessionRecord) Validate() error {
	return r.ConnectionConfig("").Validate()
}
