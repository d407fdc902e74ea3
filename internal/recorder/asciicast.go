// Package recorder writes shell session traffic as asciicast v2 files that
// asciinema can replay.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Header is the first line of an asciicast v2 file.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Event is one line after the header: [offset, type, data].
type Event struct {
	Offset float64
	Type   string
	Data   string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Offset, e.Type, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("asciicast event: expected 3 elements, got %d", len(arr))
	}
	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("asciicast event: bad offset %v", arr[0])
	}
	typ, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("asciicast event: bad type %v", arr[1])
	}
	text, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("asciicast event: bad data %v", arr[2])
	}
	e.Offset, e.Type, e.Data = offset, typ, text
	return nil
}

// Recorder appends events to an asciicast stream. It is safe for
// concurrent use.
type Recorder struct {
	mu    sync.Mutex
	w     io.Writer
	file  *os.File
	start time.Time
	now   func() time.Time
}

// Path returns where the recording of a session lives under dir.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sanitize(sessionID)+".cast")
}

// Create starts a recording file for a session and writes its header.
func Create(dir, sessionID, title string, cols, rows int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.Create(Path(dir, sessionID))
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	r := &Recorder{w: f, file: f, start: time.Now(), now: time.Now}
	if err := r.writeHeader(cols, rows, title); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// New records to w. The caller owns w.
func New(w io.Writer, cols, rows int) (*Recorder, error) {
	r := &Recorder{w: w, start: time.Now(), now: time.Now}
	if err := r.writeHeader(cols, rows, ""); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(cols, rows int, title string) error {
	header := Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.start.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "xterm-256color"},
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal asciicast header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write asciicast header: %w", err)
	}
	return nil
}

// WriteOutput records terminal output.
func (r *Recorder) WriteOutput(data []byte) error {
	return r.write(EventOutput, string(data))
}

// WriteInput records terminal input.
func (r *Recorder) WriteInput(data []byte) error {
	return r.write(EventInput, string(data))
}

// WriteResize records a terminal resize.
func (r *Recorder) WriteResize(cols, rows int) error {
	return r.write(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) write(typ, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(Event{
		Offset: r.now().Sub(r.start).Seconds(),
		Type:   typ,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("marshal asciicast event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write asciicast event: %w", err)
	}
	return nil
}

// Close closes the file if the recorder owns one.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
