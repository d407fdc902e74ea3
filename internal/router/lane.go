package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/model"
)

var (
	// ErrLaneClosed is returned when sending on a released lane.
	ErrLaneClosed = errors.New("router: lane closed")

	// ErrLaneCommand is returned for commands a lane does not carry.
	ErrLaneCommand = errors.New("router: command not allowed on lane")
)

// Submitter accepts commands for the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, cmd message.Command) error
}

// Lane is the dedicated path of one shell session: shell events flow out
// on Events, and Send carries that session's input back to the dispatcher.
type Lane struct {
	id     model.SessionID
	token  string
	submit Submitter

	attached atomic.Bool

	mu     sync.Mutex
	events chan message.Event
	closed bool
	done   chan struct{}
}

func newLane(id model.SessionID, buffer int, submit Submitter) *Lane {
	return &Lane{
		id:     id,
		token:  uuid.NewString(),
		submit: submit,
		events: make(chan message.Event, buffer),
		done:   make(chan struct{}),
	}
}

// SessionID returns the session the lane belongs to.
func (l *Lane) SessionID() model.SessionID { return l.id }

// Token authenticates the consumer that attaches to the lane.
func (l *Lane) Token() string { return l.token }

// Events returns the receive end. It is closed when the lane is released.
func (l *Lane) Events() <-chan message.Event { return l.events }

// Done is closed when the lane is released.
func (l *Lane) Done() <-chan struct{} { return l.done }

// Attach claims the receive end for one consumer. It returns false if the
// lane is already claimed.
func (l *Lane) Attach() bool {
	return l.attached.CompareAndSwap(false, true)
}

// Closed reports whether the lane was released.
func (l *Lane) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Send forwards a command for this lane's session. Only shell input,
// resize, history and disconnect are accepted.
func (l *Lane) Send(ctx context.Context, cmd message.Command) error {
	if l.Closed() {
		return ErrLaneClosed
	}
	if !cmd.Kind().LaneAllowed() {
		return fmt.Errorf("%w: %s", ErrLaneCommand, cmd.Kind())
	}
	if cmd.Session() != l.id {
		return fmt.Errorf("%w: session %q on lane %q", ErrLaneCommand, cmd.Session(), l.id)
	}
	return l.submit.Submit(ctx, cmd)
}

// deliver queues ev without blocking. It returns false when the consumer
// has fallen a full buffer behind or the lane is closed.
func (l *Lane) deliver(ev message.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.events <- ev:
		return true
	default:
		return false
	}
}

func (l *Lane) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.events)
	close(l.done)
}
