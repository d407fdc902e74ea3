package recorder

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCast(t *testing.T, data []byte) (Header, []Event) {
	t.Helper()

	sc := bufio.NewScanner(bytes.NewReader(data))
	require.True(t, sc.Scan(), "missing header")

	var h Header
	require.NoError(t, json.Unmarshal(sc.Bytes(), &h))

	var events []Event
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	return h, events
}

func TestRecorder_Events(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(&buf, 80, 24)
	require.NoError(t, err)

	clock := r.start
	r.now = func() time.Time { return clock }

	clock = clock.Add(500 * time.Millisecond)
	require.NoError(t, r.WriteOutput([]byte("\x1b[32m$ \x1b[0m")))
	clock = clock.Add(time.Second)
	require.NoError(t, r.WriteInput([]byte("ls\r")))
	require.NoError(t, r.WriteResize(120, 40))
	require.NoError(t, r.Close())

	h, events := readCast(t, buf.Bytes())
	assert.Equal(t, 2, h.Version)
	assert.Equal(t, 80, h.Width)
	assert.Equal(t, 24, h.Height)

	require.Len(t, events, 3)
	assert.Equal(t, Event{Offset: 0.5, Type: EventOutput, Data: "\x1b[32m$ \x1b[0m"}, events[0])
	assert.Equal(t, Event{Offset: 1.5, Type: EventInput, Data: "ls\r"}, events[1])
	assert.Equal(t, Event{Offset: 1.5, Type: EventResize, Data: "120x40"}, events[2])
}

func TestCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "casts")

	r, err := Create(dir, "s1/../x", "user@host", 80, 24)
	require.NoError(t, err)
	require.NoError(t, r.WriteOutput([]byte("hello")))
	require.NoError(t, r.Close())

	p := Path(dir, "s1/../x")
	assert.Equal(t, filepath.Join(dir, "s1_.._x.cast"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	h, events := readCast(t, data)
	assert.Equal(t, "user@host", h.Title)
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Data)
}

func TestEventUnmarshalErrors(t *testing.T) {
	for _, raw := range []string{`[1, "o"]`, `["x", "o", "d"]`, `[1, 2, "d"]`, `[1, "o", 3]`, `{}`} {
		var e Event
		assert.Error(t, json.Unmarshal([]byte(raw), &e), raw)
	}
}
