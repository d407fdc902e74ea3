package filetransfer

import (
	"io"
	"sync"
	"time"
)

// DefaultProgressInterval is the minimum gap between forwarded progress
// updates, about five per second.
const DefaultProgressInterval = 200 * time.Millisecond

// ProgressFunc receives the running byte count and the total size.
type ProgressFunc func(transferred, total int64)

// Throttle forwards progress at most once per interval. An update with
// transferred == total is always forwarded, exactly once, and transferred
// never exceeds total.
type Throttle struct {
	interval time.Duration
	fn       ProgressFunc
	now      func() time.Time

	mu       sync.Mutex
	last     time.Time
	finished bool
}

// NewThrottle wraps fn. A nil fn makes every report a no-op.
func NewThrottle(interval time.Duration, fn ProgressFunc) *Throttle {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Throttle{interval: interval, fn: fn, now: time.Now}
}

// Report records that transferred of total bytes have moved.
func (t *Throttle) Report(transferred, total int64) {
	if t == nil || t.fn == nil {
		return
	}
	if transferred > total {
		transferred = total
	}
	if transferred < 0 {
		transferred = 0
	}

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	now := t.now()
	final := transferred == total
	if !final && !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last = now
	t.finished = final
	t.mu.Unlock()

	t.fn(transferred, total)
}

// Finish forces the final update if it has not been sent yet. Used after a
// successful copy so empty files still report completion.
func (t *Throttle) Finish(total int64) {
	t.Report(total, total)
}

// countingWriter reports bytes written through it.
type countingWriter struct {
	w       io.Writer
	total   int64
	written int64
	report  ProgressFunc
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.written += int64(n)
		cw.report(cw.written, cw.total)
	}
	return n, err
}

// countingReader reports bytes read through it.
type countingReader struct {
	r      io.Reader
	total  int64
	read   int64
	report ProgressFunc
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.read += int64(n)
		cr.report(cr.read, cr.total)
	}
	return n, err
}
