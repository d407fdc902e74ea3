// Package vault keeps the secrets of saved session records in the OS
// keychain. Records in sqlite never hold a password.
package vault

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keychain service name secrets are filed under.
const DefaultService = "openmoba-broker"

// Vault stores one secret per record id.
type Vault struct {
	service string
	logger  *slog.Logger
}

// New creates a vault filing secrets under service.
func New(service string, logger *slog.Logger) *Vault {
	if service == "" {
		service = DefaultService
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{service: service, logger: logger.With("component", "vault")}
}

// Set stores secret for id. An empty secret removes the entry.
func (v *Vault) Set(id, secret string) error {
	if secret == "" {
		return v.Delete(id)
	}
	if err := keyring.Set(v.service, id, secret); err != nil {
		return fmt.Errorf("vault: store secret for %s: %w", id, err)
	}
	return nil
}

// Get returns the secret for id, or "" if there is none. A keychain that
// cannot be reached is logged and treated as empty so that key and agent
// auth keep working.
func (v *Vault) Get(id string) string {
	secret, err := keyring.Get(v.service, id)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			v.logger.Warn("read secret failed", "record_id", id, "error", err)
		}
		return ""
	}
	return secret
}

// Delete removes the secret for id. A missing entry is not an error.
func (v *Vault) Delete(id string) error {
	if err := keyring.Delete(v.service, id); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("vault: delete secret for %s: %w", id, err)
	}
	return nil
}
