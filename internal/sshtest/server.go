// Package sshtest runs an in-process ssh server for tests. It accepts a
// password or a generated client key, echoes shell input back, answers
// exec requests from a canned table and serves the sftp subsystem against
// the local filesystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "tester"
	Password = "secret"
)

// StatsOutput is what the server prints for any exec command that asks for
// host stats.
const StatsOutput = "STATS_START\n12.5\n7972 2048\n41%\nup 3 hours, 2 minutes\nSTATS_END\n"

// Server is a running test server.
type Server struct {
	// Addr is host:port of the listener.
	Addr string
	// ClientKeyPEM is a PKCS#8 private key the server accepts for User.
	ClientKeyPEM []byte

	listener  net.Listener
	config    *ssh.ServerConfig
	clientKey ssh.PublicKey
	noSFTP    bool
	stalled   bool

	mu      sync.Mutex
	conns   []net.Conn
	input   bytes.Buffer
	windows [][2]int
	term    string
	exec    map[string]string
	execs   int

	wg sync.WaitGroup
}

// Option tweaks a Server before it starts.
type Option func(*Server)

// WithoutSFTP makes the server refuse the sftp subsystem.
func WithoutSFTP() Option {
	return func(s *Server) { s.noSFTP = true }
}

// WithStalledShell makes shells print a prompt and never read their
// input, so a client writing enough data blocks on the channel window.
func WithStalledShell() Option {
	return func(s *Server) { s.stalled = true }
}

// WithExec sets the output for an exact exec command.
func WithExec(command, output string) Option {
	return func(s *Server) { s.exec[command] = output }
}

// NewServer starts a server on a loopback port and stops it when t ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{exec: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	if s.clientKey, err = ssh.NewPublicKey(clientPub); err != nil {
		t.Fatalf("client public key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(clientPriv)
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	s.ClientKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == User && bytes.Equal(key.Marshal(), s.clientKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	s.config.AddHostKey(hostSigner)

	if s.listener, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Addr = s.listener.Addr().String()

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections resets every accepted tcp connection without an ssh
// disconnect, as a network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		c.Close()
	}
}

// Input returns everything written to shells so far.
func (s *Server) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

// WindowSizes returns every window-change received as [cols, rows].
func (s *Server) WindowSizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.windows...)
}

// Term returns the terminal type of the last pty request.
func (s *Server) Term() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// ExecCount returns how many exec requests were served.
func (s *Server) ExecCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term             string
				Cols, Rows, W, H uint32
				Modes            string
			}
			ssh.Unmarshal(req.Payload, &p)
			s.mu.Lock()
			s.term = p.Term
			s.mu.Unlock()
			req.Reply(true, nil)

		case "window-change":
			var p struct{ Cols, Rows, W, H uint32 }
			ssh.Unmarshal(req.Payload, &p)
			s.mu.Lock()
			s.windows = append(s.windows, [2]int{int(p.Cols), int(p.Rows)})
			s.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			req.Reply(true, nil)
			if s.stalled {
				go io.WriteString(ch, "$ ")
				continue
			}
			go s.echo(ch)

		case "exec":
			var p struct{ Command string }
			ssh.Unmarshal(req.Payload, &p)
			req.Reply(true, nil)
			go s.runExec(ch, p.Command)

		case "subsystem":
			var p struct{ Name string }
			ssh.Unmarshal(req.Payload, &p)
			if p.Name != "sftp" || s.noSFTP {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				defer ch.Close()
				srv, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				srv.Serve()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// echo writes a prompt and then echoes every line back. A line "exit" ends
// the shell with status 0.
func (s *Server) echo(ch ssh.Channel) {
	io.WriteString(ch, "$ ")

	buf := make([]byte, 1024)
	var line []byte
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.input.Write(buf[:n])
			s.mu.Unlock()
			ch.Write(buf[:n])

			line = append(line, buf[:n]...)
			for {
				i := bytes.IndexAny(line, "\r\n")
				if i < 0 {
					break
				}
				cmd := strings.TrimSpace(string(line[:i]))
				line = line[i+1:]
				if cmd == "exit" {
					exit(ch, 0)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, command string) {
	s.mu.Lock()
	s.execs++
	out, ok := s.exec[command]
	s.mu.Unlock()

	if !ok && strings.Contains(command, "STATS_START") {
		out, ok = StatsOutput, true
	}
	if !ok {
		io.WriteString(ch.Stderr(), "command not found\n")
		exit(ch, 127)
		return
	}
	io.WriteString(ch, out)
	exit(ch, 0)
}

func exit(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	ch.Close()
}
