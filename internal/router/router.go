// Package router delivers dispatcher events to their consumers. Shell
// events go to the session's fast lane when one is attached and to the
// broadcast sink otherwise; every other family is broadcast.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openmoba/broker/internal/message"
	"github.com/openmoba/broker/internal/model"
)

const (
	DefaultLaneBuffer    = 1024
	DefaultTombstoneSize = 4096
)

// Broadcaster receives every event that has no lane.
type Broadcaster interface {
	Broadcast(ev message.Event)
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(ev message.Event)

func (f BroadcastFunc) Broadcast(ev message.Event) { f(ev) }

// Config holds router dependencies.
type Config struct {
	Dispatcher Submitter
	Broadcast  Broadcaster
	// LaneBuffer is how many events a lane holds before its consumer is
	// considered too slow.
	LaneBuffer int
	// TombstoneSize caps how many closed ids are remembered.
	TombstoneSize int
	Logger        *slog.Logger
}

// Router owns the lanes and the closed-id tombstones.
type Router struct {
	submit        Submitter
	broadcast     Broadcaster
	laneBuffer    int
	tombstoneSize int
	logger        *slog.Logger
	unknown       atomic.Int64

	mu         sync.Mutex
	lanes      map[model.SessionID]*Lane
	tombstones map[model.SessionID]struct{}
	buried     []model.SessionID
}

// New creates a router.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	if cfg.TombstoneSize <= 0 {
		cfg.TombstoneSize = DefaultTombstoneSize
	}
	if cfg.Broadcast == nil {
		cfg.Broadcast = BroadcastFunc(func(message.Event) {})
	}
	return &Router{
		submit:        cfg.Dispatcher,
		broadcast:     cfg.Broadcast,
		laneBuffer:    cfg.LaneBuffer,
		tombstoneSize: cfg.TombstoneSize,
		logger:        cfg.Logger.With("component", "router"),
		lanes:         make(map[model.SessionID]*Lane),
		tombstones:    make(map[model.SessionID]struct{}),
	}
}

// Submit forwards a command to the dispatcher. CONNECT_SHELL also opens a
// fast lane for the session and returns it; other commands return nil.
func (r *Router) Submit(ctx context.Context, cmd message.Command) (*Lane, error) {
	switch cmd.Kind() {
	case message.CmdConnectShell:
		return r.connectShell(ctx, cmd)
	case message.CmdConnectDesktopA, message.CmdConnectDesktopB:
		r.mu.Lock()
		r.unbury(cmd.Session())
		r.mu.Unlock()
	}
	return nil, r.submit.Submit(ctx, cmd)
}

func (r *Router) connectShell(ctx context.Context, cmd message.Command) (*Lane, error) {
	id := cmd.Session()

	r.mu.Lock()
	if _, ok := r.lanes[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateSession, id)
	}
	r.unbury(id)
	lane := newLane(id, r.laneBuffer, r.submit)
	r.lanes[id] = lane
	r.mu.Unlock()

	if err := r.submit.Submit(ctx, cmd); err != nil {
		r.release(id, lane)
		return nil, err
	}
	r.logger.Debug("lane opened", "session_id", id)
	return lane, nil
}

// Lane returns the open lane of a session.
func (r *Router) Lane(id model.SessionID) (*Lane, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[id]
	return l, ok
}

// Release detaches the lane of id; its events fall back to broadcast.
func (r *Router) Release(id model.SessionID) {
	r.mu.Lock()
	l, ok := r.lanes[id]
	r.mu.Unlock()
	if ok {
		r.release(id, l)
	}
}

func (r *Router) release(id model.SessionID, l *Lane) {
	r.mu.Lock()
	if r.lanes[id] == l {
		delete(r.lanes, id)
	}
	r.mu.Unlock()
	l.close()
}

// LaneCount returns the number of open lanes.
func (r *Router) LaneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

// UnknownCount returns how many events of unknown family were seen.
func (r *Router) UnknownCount() int64 {
	return r.unknown.Load()
}

// Run routes events until the channel closes, then releases every lane.
func (r *Router) Run(events <-chan message.Event) {
	for ev := range events {
		r.Route(ev)
	}

	r.mu.Lock()
	lanes := r.lanes
	r.lanes = make(map[model.SessionID]*Lane)
	r.mu.Unlock()
	for _, l := range lanes {
		l.close()
	}
	r.logger.Info("router stopped")
}

// Route delivers one event.
func (r *Router) Route(ev message.Event) {
	kind := ev.Kind()
	family := kind.Family()
	if family == message.FamilyUnknown {
		n := r.unknown.Add(1)
		r.logger.Warn("unknown message type", "type", kind, "count", n,
			"error", fmt.Errorf("%w: event %q", model.ErrUnknownMessageType, kind))
		return
	}

	id := ev.Session()
	r.mu.Lock()
	if _, dead := r.tombstones[id]; dead && id != "" {
		r.mu.Unlock()
		r.logger.Debug("event for closed session dropped", "type", kind, "session_id", id)
		return
	}
	if kind == message.EvtShellClose || kind == message.EvtDesktopClosed {
		r.bury(id)
	}

	lane, ok := r.lanes[id]
	if !ok || family != message.FamilyShell {
		r.mu.Unlock()
		r.broadcast.Broadcast(ev)
		return
	}

	delivered := lane.deliver(ev)
	if !delivered || kind.Terminal() {
		delete(r.lanes, id)
	}
	r.mu.Unlock()

	switch {
	case !delivered:
		r.logger.Warn("lane consumer too slow, falling back to broadcast", "session_id", id)
		lane.close()
		r.broadcast.Broadcast(ev)
	case kind.Terminal():
		r.logger.Debug("lane closed", "session_id", id, "type", kind)
		lane.close()
	}
}

// bury records a closed id, forgetting the oldest beyond the cap. Caller
// holds r.mu.
func (r *Router) bury(id model.SessionID) {
	if _, ok := r.tombstones[id]; ok || id == "" {
		return
	}
	r.tombstones[id] = struct{}{}
	r.buried = append(r.buried, id)
	for len(r.buried) > r.tombstoneSize {
		oldest := r.buried[0]
		r.buried = r.buried[1:]
		delete(r.tombstones, oldest)
	}
}

// unbury clears a tombstone when the id is connected again. Caller holds
// r.mu.
func (r *Router) unbury(id model.SessionID) {
	if _, ok := r.tombstones[id]; !ok {
		return
	}
	delete(r.tombstones, id)
	for i, b := range r.buried {
		if b == id {
			r.buried = append(r.buried[:i], r.buried[i+1:]...)
			break
		}
	}
}
