package shell

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoba/broker/internal/filetransfer"
	"github.com/openmoba/broker/internal/model"
	"github.com/openmoba/broker/internal/sshtest"
)

func TestParseStats(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   model.Stats
		ok     bool
	}{
		{
			name:   "well formed",
			output: sshtest.StatsOutput,
			want:   model.Stats{CPU: 12.5, RAMTotal: 7972, RAMUsed: 2048, Disk: "41%", Uptime: "up 3 hours, 2 minutes"},
			ok:     true,
		},
		{
			name:   "noise around markers",
			output: "motd\nSTATS_START\n\n3\n100 50\n9%\nup 1 minute\nSTATS_END\nbye",
			want:   model.Stats{CPU: 3, RAMTotal: 100, RAMUsed: 50, Disk: "9%", Uptime: "up 1 minute"},
			ok:     true,
		},
		{
			name:   "nan cpu reads as zero",
			output: "STATS_START\nnan\n100 50\n9%\nup\nSTATS_END",
			want:   model.Stats{CPU: 0, RAMTotal: 100, RAMUsed: 50, Disk: "9%", Uptime: "up"},
			ok:     true,
		},
		{name: "missing start", output: "12\n1 2\n3%\nup\nSTATS_END"},
		{name: "missing end", output: "STATS_START\n12\n1 2\n3%\nup\n"},
		{name: "too few lines", output: "STATS_START\n12\n1 2\n3%\nSTATS_END"},
		{name: "bad cpu", output: "STATS_START\nbusy\n1 2\n3%\nup\nSTATS_END"},
		{name: "bad ram", output: "STATS_START\n12\n1\n3%\nup\nSTATS_END"},
		{name: "non numeric ram", output: "STATS_START\n12\nlots some\n3%\nup\nSTATS_END"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseStats(tt.output)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Property: output without a start marker never yields a sample, and any
// sample that is produced has a finite CPU value.
func TestProperty_ParseStatsRejectsUnframedOutput(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no marker, no sample", prop.ForAll(
		func(s string) bool {
			if strings.Contains(s, "STATS_START") {
				return true
			}
			_, ok := ParseStats(s)
			return !ok
		},
		gen.AnyString(),
	))

	properties.Property("cpu is finite", prop.ForAll(
		func(cpu float64, total, used int64) bool {
			out := "STATS_START\n" +
				strconv.FormatFloat(cpu, 'g', -1, 64) + "\n" +
				strconv.FormatInt(total, 10) + " " + strconv.FormatInt(used, 10) + "\n1%\nup\nSTATS_END"
			stats, ok := ParseStats(out)
			return ok && !math.IsNaN(stats.CPU) && !math.IsInf(stats.CPU, 0) &&
				stats.RAMTotal == total && stats.RAMUsed == used
		},
		gen.Float64(),
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateConnecting, StateReady, true},
		{StateConnecting, StateFailed, true},
		{StateReady, StateShellOpen, true},
		{StateReady, StateClosed, true},
		{StateShellOpen, StateClosed, true},
		{StateShellOpen, StateFailed, false},
		{StateShellOpen, StateReady, false},
		{StateClosed, StateReady, false},
		{StateFailed, StateShellOpen, false},
		{StateConnecting, StateShellOpen, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			if !tt.want {
				assert.ErrorIs(t, transition(tt.from, tt.to), ErrInvalidTransition)
			}
		})
	}
}

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, model.ErrTimeout},
		{"cancelled", context.Canceled, model.ErrDisconnected},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), model.ErrAuthFailure},
		{"host key", errors.New("ssh: handshake failed: knownhosts: key mismatch"), model.ErrAuthFailure},
		{"refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), model.ErrNetworkError},
		{"invalid config", model.ErrInvalidConfig, model.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyDialError(tt.err), tt.want)
		})
	}
}

type recorded struct {
	mu     sync.Mutex
	data   strings.Builder
	stats  []model.Stats
	closes []error
	closed chan struct{}
}

func newRecorded() *recorded {
	return &recorded{closed: make(chan struct{})}
}

func (r *recorded) callbacks() Callbacks {
	return Callbacks{
		OnData: func(data []byte) {
			r.mu.Lock()
			r.data.Write(data)
			r.mu.Unlock()
		},
		OnStats: func(stats model.Stats) {
			r.mu.Lock()
			r.stats = append(r.stats, stats)
			r.mu.Unlock()
		},
		OnClose: func(err error) {
			r.mu.Lock()
			r.closes = append(r.closes, err)
			first := len(r.closes) == 1
			r.mu.Unlock()
			if first {
				close(r.closed)
			}
		},
	}
}

func (r *recorded) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.String()
}

func (r *recorded) statsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stats)
}

func (r *recorded) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes[0]
}

func serverConfig(srv *sshtest.Server) model.ConnectionConfig {
	return model.ConnectionConfig{
		Host:     srv.Host(),
		Port:     srv.Port(),
		Username: sshtest.User,
		Protocol: model.ProtocolShell,
		Credential: model.Credential{
			Kind:     model.CredentialPassword,
			Password: sshtest.Password,
		},
	}
}

func testOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		StatsInterval:  -1,
		KeepAlive:      -1,
	}
}

func TestDial(t *testing.T) {
	srv := sshtest.NewServer(t)

	t.Run("password", func(t *testing.T) {
		s, err := Dial(context.Background(), "pw", serverConfig(srv), testOptions(), Callbacks{})
		require.NoError(t, err)
		assert.Equal(t, StateReady, s.State())
		s.Close()
		assert.Equal(t, StateClosed, s.State())
	})

	t.Run("private key", func(t *testing.T) {
		cfg := serverConfig(srv)
		cfg.Credential = model.Credential{Kind: model.CredentialPrivateKey, PrivateKey: srv.ClientKeyPEM}
		s, err := Dial(context.Background(), "key", cfg, testOptions(), Callbacks{})
		require.NoError(t, err)
		s.Close()
	})

	t.Run("wrong password", func(t *testing.T) {
		cfg := serverConfig(srv)
		cfg.Credential.Password = "nope"
		_, err := Dial(context.Background(), "bad", cfg, testOptions(), Callbacks{})
		assert.ErrorIs(t, err, model.ErrAuthFailure)
		assert.Equal(t, model.CodeAuthFailure, model.ErrorCode(err))
	})

	t.Run("garbage key", func(t *testing.T) {
		cfg := serverConfig(srv)
		cfg.Credential = model.Credential{Kind: model.CredentialPrivateKey, PrivateKey: []byte("not a key")}
		_, err := Dial(context.Background(), "garbage", cfg, testOptions(), Callbacks{})
		assert.ErrorIs(t, err, model.ErrAuthFailure)
	})

	t.Run("unreachable", func(t *testing.T) {
		cfg := serverConfig(srv)
		cfg.Port = 1
		_, err := Dial(context.Background(), "down", cfg, testOptions(), Callbacks{})
		assert.ErrorIs(t, err, model.ErrNetworkError)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := serverConfig(srv)
		cfg.Host = ""
		_, err := Dial(context.Background(), "empty", cfg, testOptions(), Callbacks{})
		assert.ErrorIs(t, err, model.ErrInvalidConfig)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Dial(ctx, "cancel", serverConfig(srv), testOptions(), Callbacks{})
		assert.Error(t, err)
	})
}

func TestSession_ShellRoundTrip(t *testing.T) {
	srv := sshtest.NewServer(t)
	rec := newRecorded()

	opts := testOptions()
	opts.Rows, opts.Cols = 30, 100
	s, err := Dial(context.Background(), "s1", serverConfig(srv), opts, rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())
	assert.Equal(t, StateShellOpen, s.State())
	assert.Equal(t, DefaultTerm, srv.Term())

	s.Write([]byte("hello\n"))
	require.Eventually(t, func() bool {
		return strings.Contains(rec.output(), "hello")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, string(s.History()), "hello")

	s.Resize(40, 120)
	require.Eventually(t, func() bool {
		sizes := srv.WindowSizes()
		return len(sizes) == 1 && sizes[0] == [2]int{120, 40}
	}, 5*time.Second, 10*time.Millisecond)

	err = s.OpenShell()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s.Close()
	assert.NoError(t, rec.waitClosed(t))
	assert.Equal(t, StateClosed, s.State())

	// Operations after close are silent no-ops.
	before := srv.Input()
	s.Write([]byte("late\n"))
	s.Resize(10, 10)
	assert.Equal(t, before, srv.Input())
	assert.ErrorIs(t, s.OpenShell(), model.ErrDisconnected)
	_, err = s.OpenFileTransfer(filetransfer.Options{})
	assert.ErrorIs(t, err, model.ErrDisconnected)

	s.Close()
	rec.mu.Lock()
	assert.Len(t, rec.closes, 1, "OnClose must run exactly once")
	rec.mu.Unlock()
}

func TestSession_WriteBeforeShellIsDropped(t *testing.T) {
	srv := sshtest.NewServer(t)
	s, err := Dial(context.Background(), "s1", serverConfig(srv), testOptions(), Callbacks{})
	require.NoError(t, err)
	defer s.Close()

	s.Write([]byte("early\n"))
	require.NoError(t, s.OpenShell())
	s.Write([]byte("late\n"))

	require.Eventually(t, func() bool {
		return strings.Contains(srv.Input(), "late")
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, srv.Input(), "early")
}

func TestSession_RemoteExit(t *testing.T) {
	srv := sshtest.NewServer(t)
	rec := newRecorded()

	s, err := Dial(context.Background(), "s1", serverConfig(srv), testOptions(), rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())

	s.Write([]byte("exit\n"))
	assert.NoError(t, rec.waitClosed(t))
	assert.Equal(t, StateClosed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed before OnClose runs")
	}
}

func TestSession_NetworkDrop(t *testing.T) {
	srv := sshtest.NewServer(t)
	rec := newRecorded()

	s, err := Dial(context.Background(), "s1", serverConfig(srv), testOptions(), rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())

	srv.DropConnections()
	err = rec.waitClosed(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNetworkError)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_Stats(t *testing.T) {
	srv := sshtest.NewServer(t)
	rec := newRecorded()

	opts := testOptions()
	opts.StatsInterval = 20 * time.Millisecond
	s, err := Dial(context.Background(), "s1", serverConfig(srv), opts, rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())

	require.Eventually(t, func() bool { return rec.statsCount() >= 2 }, 5*time.Second, 10*time.Millisecond)
	s.Close()

	rec.mu.Lock()
	got := rec.stats[0]
	rec.mu.Unlock()
	assert.Equal(t, 12.5, got.CPU)
	assert.Equal(t, int64(7972), got.RAMTotal)
	assert.Equal(t, int64(2048), got.RAMUsed)

	// No samples after close.
	n := rec.statsCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, rec.statsCount())
}

func TestSession_FirstStatsSampleIsImmediate(t *testing.T) {
	srv := sshtest.NewServer(t)
	rec := newRecorded()

	opts := testOptions()
	opts.StatsInterval = time.Hour
	s, err := Dial(context.Background(), "s1", serverConfig(srv), opts, rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())
	defer s.Close()

	require.Eventually(t, func() bool { return rec.statsCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.ExecCount())
}

func TestSession_ResizeQueuedBehindInput(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithStalledShell())

	s, err := Dial(context.Background(), "s1", serverConfig(srv), testOptions(), Callbacks{})
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())

	// More than the channel window, so the input pump blocks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Write([]byte(strings.Repeat("x", 4<<20)))
		s.Resize(40, 120)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write or Resize blocked the caller")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, srv.WindowSizes(), "resize overtook pending input")

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not unblock the input pump")
	}
}

func TestSession_StatsFailureIsSkipped(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithExec(StatsCommand, "garbage\n"))
	rec := newRecorded()

	opts := testOptions()
	opts.StatsInterval = 20 * time.Millisecond
	s, err := Dial(context.Background(), "s1", serverConfig(srv), opts, rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())

	require.Eventually(t, func() bool { return srv.ExecCount() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, rec.statsCount())
	assert.Equal(t, StateShellOpen, s.State())
	s.Close()
}

func TestSession_OpenFileTransfer(t *testing.T) {
	srv := sshtest.NewServer(t)
	s, err := Dial(context.Background(), "s1", serverConfig(srv), testOptions(), Callbacks{})
	require.NoError(t, err)
	defer s.Close()

	ft, err := s.OpenFileTransfer(filetransfer.Options{})
	require.NoError(t, err)
	defer ft.Close()

	entries, err := ft.List(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSession_OpenFileTransferUnsupported(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithoutSFTP())
	s, err := Dial(context.Background(), "s1", serverConfig(srv), testOptions(), Callbacks{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.OpenFileTransfer(filetransfer.Options{})
	assert.ErrorIs(t, err, model.ErrProtocolNotSupported)
}

type memRecorder struct {
	mu      sync.Mutex
	out, in strings.Builder
	resizes [][2]int
	closed  bool
}

func (m *memRecorder) WriteOutput(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.Write(data)
	return nil
}

func (m *memRecorder) WriteInput(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in.Write(data)
	return nil
}

func (m *memRecorder) WriteResize(cols, rows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizes = append(m.resizes, [2]int{cols, rows})
	return nil
}

func (m *memRecorder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestSession_Recorder(t *testing.T) {
	srv := sshtest.NewServer(t)
	mem := &memRecorder{}

	opts := testOptions()
	opts.NewRecorder = func(id model.SessionID, cols, rows int) (Recorder, error) {
		assert.Equal(t, "s1", id)
		return mem, nil
	}
	s, err := Dial(context.Background(), "s1", serverConfig(srv), opts, Callbacks{})
	require.NoError(t, err)
	require.NoError(t, s.OpenShell())

	s.Write([]byte("ls\n"))
	s.Resize(50, 132)
	require.Eventually(t, func() bool {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		return strings.Contains(mem.out.String(), "ls") && len(mem.resizes) == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.Close()

	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Equal(t, "ls\n", mem.in.String())
	assert.Equal(t, [][2]int{{132, 50}}, mem.resizes)
	assert.True(t, mem.closed)
}
