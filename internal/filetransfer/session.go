// Package filetransfer is the request/response facade over an sftp
// sub-session of a shell connection.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openmoba/broker/internal/model"
)

// Options tunes the sftp client.
type Options struct {
	MaxPacket          int
	ConcurrentRequests int
	ConcurrentIO       bool
}

func (o Options) clientOptions() []sftp.ClientOption {
	var opts []sftp.ClientOption
	if o.MaxPacket > 0 {
		opts = append(opts, sftp.MaxPacketUnchecked(o.MaxPacket))
	}
	if o.ConcurrentRequests > 0 {
		opts = append(opts, sftp.MaxConcurrentRequestsPerFile(o.ConcurrentRequests))
	}
	opts = append(opts, sftp.UseConcurrentReads(o.ConcurrentIO), sftp.UseConcurrentWrites(o.ConcurrentIO))
	return opts
}

// Session is a stateless file-operation facade bound to one ssh transport.
// Concurrent calls are serialized by the sftp channel itself.
type Session struct {
	client *sftp.Client
	closed atomic.Bool
}

// Open starts the sftp subsystem on conn.
func Open(conn *ssh.Client, opts Options) (*Session, error) {
	client, err := sftp.NewClient(conn, opts.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: sftp: %v", model.ErrProtocolNotSupported, err)
	}
	return &Session{client: client}, nil
}

// NewSession wraps an existing sftp client.
func NewSession(client *sftp.Client) *Session {
	return &Session{client: client}
}

// Close ends the sftp sub-session. In-flight operations fail with
// model.ErrDisconnected.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// List returns the entries of a remote directory sorted by name, with
// directories first on ties.
func (s *Session) List(p string) ([]model.FileEntry, error) {
	infos, err := s.client.ReadDir(p)
	if err != nil {
		return nil, s.remoteErr("list", p, err)
	}
	entries := make([]model.FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, model.NewFileEntry(fi))
	}
	model.SortEntries(entries)
	return entries, nil
}

// Mkdir creates a remote directory.
func (s *Session) Mkdir(p string) error {
	if err := s.client.Mkdir(p); err != nil {
		return s.remoteErr("mkdir", p, err)
	}
	return nil
}

// RemoveDirectory removes an empty remote directory.
func (s *Session) RemoveDirectory(p string) error {
	if err := s.client.RemoveDirectory(p); err != nil {
		return s.remoteErr("rmdir", p, err)
	}
	return nil
}

// RemoveFile removes a remote file.
func (s *Session) RemoveFile(p string) error {
	if err := s.client.Remove(p); err != nil {
		return s.remoteErr("remove", p, err)
	}
	return nil
}

// Download copies remotePath to localPath, reporting progress per chunk.
// It returns the number of bytes copied.
func (s *Session) Download(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) (int64, error) {
	src, err := s.client.Open(remotePath)
	if err != nil {
		return 0, s.remoteErr("download", remotePath, err)
	}
	defer src.Close()
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()

	info, err := src.Stat()
	if err != nil {
		return 0, s.remoteErr("stat", remotePath, err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", remotePath, err)
	}

	w := &countingWriter{w: dst, total: info.Size(), report: reporter(onProgress)}
	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		return w.written, s.remoteErr("download", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return w.written, fmt.Errorf("download %s: %w", remotePath, err)
	}
	return w.written, nil
}

// Upload copies localPath to remotePath, reporting progress per chunk.
// It returns the number of bytes copied.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", localPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", localPath, err)
	}

	dst, err := s.client.Create(remotePath)
	if err != nil {
		return 0, s.remoteErr("upload", remotePath, err)
	}
	stop := context.AfterFunc(ctx, func() { dst.Close() })
	defer stop()

	r := &countingReader{r: src, total: info.Size(), report: reporter(onProgress)}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return r.read, s.remoteErr("upload", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return r.read, s.remoteErr("upload", remotePath, err)
	}
	return r.read, nil
}

// ReadTextFile reads a whole remote file.
func (s *Session) ReadTextFile(p string) (string, error) {
	f, err := s.client.Open(p)
	if err != nil {
		return "", s.remoteErr("read", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", s.remoteErr("read", p, err)
	}
	return string(data), nil
}

// WriteTextFile replaces a whole remote file. A failed write leaves the
// remote content in whatever state the transport left it.
func (s *Session) WriteTextFile(p, content string) error {
	f, err := s.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return s.remoteErr("write", p, err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		f.Close()
		return s.remoteErr("write", p, err)
	}
	if err := f.Close(); err != nil {
		return s.remoteErr("write", p, err)
	}
	return nil
}

// Base returns the file name used in progress events.
func Base(p string) string {
	return path.Base(p)
}

func (s *Session) remoteErr(op, p string, err error) error {
	if s.closed.Load() || isConnectionLost(err) {
		return fmt.Errorf("%s %s: %w", op, p, model.ErrDisconnected)
	}
	return fmt.Errorf("%s %s: %w: %w", op, p, model.ErrProtocolError, err)
}

func isConnectionLost(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

func reporter(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(int64, int64) {}
	}
	return fn
}
