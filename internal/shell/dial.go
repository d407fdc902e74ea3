package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openmoba/broker/internal/model"
)

// clientConfig assembles the ssh client config for cfg.
func clientConfig(cfg model.ConnectionConfig, opts Options) (*ssh.ClientConfig, func(), error) {
	methods, cleanup, err := authMethods(cfg.Credential)
	if err != nil {
		return nil, nil, err
	}

	hostKey, err := hostKeyCallback(opts.KnownHostsFile)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         opts.ConnectTimeout,
	}, cleanup, nil
}

// authMethods maps a credential to ssh auth methods. Password credentials
// also answer keyboard-interactive prompts, which many servers use for
// plain password logins. The returned cleanup releases an agent socket.
func authMethods(cred model.Credential) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}

	switch cred.Kind {
	case model.CredentialPassword:
		password := cred.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, noop, nil

	case model.CredentialPrivateKey:
		signer, err := parseSigner(cred)
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case model.CredentialAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, fmt.Errorf("%w: SSH_AUTH_SOCK is not set", model.ErrInvalidConfig)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: ssh-agent: %v", model.ErrInvalidConfig, err)
		}
		client := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, func() { conn.Close() }, nil

	case model.CredentialNone, "":
		return nil, noop, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown credential kind %q", model.ErrInvalidConfig, cred.Kind)
}

func parseSigner(cred model.Credential) (ssh.Signer, error) {
	pem := cred.PrivateKey
	if len(pem) == 0 {
		if cred.PrivateKeyPath == "" {
			return nil, fmt.Errorf("%w: private key is required", model.ErrInvalidConfig)
		}
		data, err := os.ReadFile(expandHome(cred.PrivateKeyPath))
		if err != nil {
			return nil, fmt.Errorf("%w: read private key: %v", model.ErrInvalidConfig, err)
		}
		pem = data
	}

	var signer ssh.Signer
	var err error
	if cred.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cred.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", model.ErrAuthFailure, err)
	}
	return signer, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}

// hostKeyCallback verifies against a known_hosts file when one is
// configured and accepts any host key otherwise.
func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(knownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: known_hosts: %v", model.ErrInvalidConfig, err)
	}
	return cb, nil
}

// dial opens the tcp connection and runs the ssh handshake. Cancelling ctx
// aborts either phase.
func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(err)
	}

	if cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, classifyDialError(ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, classifyDialError(err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// classifyDialError maps transport errors onto the error taxonomy.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: connect cancelled", model.ErrDisconnected)
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "knownhosts:"):
		return fmt.Errorf("%w: %v", model.ErrAuthFailure, err)
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, model.ErrAuthFailure):
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrNetworkError, err)
}
