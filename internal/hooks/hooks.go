// internal/hooks/hooks.go

// Package hooks is the extension point around lobby lifecycle operations. Before hooks run
// synchronously and may rewrite the payload or veto the operation; after hooks run
// asynchronously once the change is committed and can only observe it.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/sirupsen/logrus"
)

// Event names a lifecycle point.
type Event string

const (
	LobbyCreate     Event = "lobby_create"
	LobbyJoin       Event = "lobby_join"
	LobbyLeave      Event = "lobby_leave"
	LobbyUpdate     Event = "lobby_update"
	LobbyDelete     Event = "lobby_delete"
	UserKicked      Event = "user_kicked"
	LobbyHostChange Event = "lobby_host_change"
)

// Events lists every event a dispatcher knows about.
var Events = []Event{LobbyCreate, LobbyJoin, LobbyLeave, LobbyUpdate, LobbyDelete, UserKicked, LobbyHostChange}

// BeforeFunc inspects a payload and returns it (possibly rewritten) or an error to veto.
// The returned payload must have the same dynamic type as the input.
type BeforeFunc func(ctx context.Context, payload any) (any, error)

// AfterFunc observes the committed result. Its error is only logged.
type AfterFunc func(ctx context.Context, result any) error

// Dispatcher is what the services call. Before returns apperr.KindHookRejected or
// apperr.KindHookTimeout on veto; After never blocks the caller.
type Dispatcher interface {
	Before(ctx context.Context, event Event, payload any) (any, error)
	After(ctx context.Context, event Event, result any)
}

// RejectError is how a before hook vetoes an operation with a reason for the client.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected by hook: %s", e.Reason)
}

// Reject returns a veto carrying reason.
func Reject(reason string) error {
	return &RejectError{Reason: reason}
}

// JoinPayload is the before/after payload for LobbyJoin. UserIDs has one entry for a solo
// join and every moved member for a party join.
type JoinPayload struct {
	LobbyID int64
	UserIDs []int64
	PartyID *int64
}

// LeavePayload is the payload for LobbyLeave.
type LeavePayload struct {
	LobbyID int64
	UserID  int64
}

// KickPayload is the payload for UserKicked.
type KickPayload struct {
	LobbyID  int64
	HostID   int64
	TargetID int64
}

// HostChangePayload is the payload for LobbyHostChange. NewHostID is nil when the lobby
// was left without anyone to promote.
type HostChangePayload struct {
	LobbyID   int64
	OldHostID *int64
	NewHostID *int64
}

type extension struct {
	name   string
	before BeforeFunc
	after  AfterFunc
}

// Registry holds named extensions per event and dispatches to them under a fixed timeout.
type Registry struct {
	mu      sync.RWMutex
	byEvent map[Event][]extension
	timeout time.Duration
	log     *logrus.Entry
	wg      sync.WaitGroup
}

// NewRegistry creates an empty registry. Each hook call is bounded by timeout.
func NewRegistry(timeout time.Duration, logger *logrus.Logger) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{
		byEvent: make(map[Event][]extension),
		timeout: timeout,
		log:     logger.WithField("component", "hooks"),
	}
}

// Register adds a named extension for event. Either func may be nil. Extensions run in
// registration order; each before hook receives the previous one's payload.
func (r *Registry) Register(event Event, name string, before BeforeFunc, after AfterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent[event] = append(r.byEvent[event], extension{name: name, before: before, after: after})
}

// Unregister drops every extension registered under name, for all events.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ev, exts := range r.byEvent {
		kept := exts[:0:0]
		for _, e := range exts {
			if e.name != name {
				kept = append(kept, e)
			}
		}
		r.byEvent[ev] = kept
	}
}

func (r *Registry) extensions(event Event) []extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]extension(nil), r.byEvent[event]...)
}

type beforeResult struct {
	payload any
	err     error
}

// Before runs every before hook for event in order. It fails closed: a rejection, a hook
// error, a payload of the wrong type, a panic, or a timeout all veto the operation.
func (r *Registry) Before(ctx context.Context, event Event, payload any) (any, error) {
	for _, ext := range r.extensions(event) {
		if ext.before == nil {
			continue
		}
		next, err := r.callBefore(ctx, ext, event, payload)
		if err != nil {
			return nil, err
		}
		if reflect.TypeOf(next) != reflect.TypeOf(payload) {
			r.log.WithFields(logrus.Fields{"event": event, "hook": ext.name}).
				Warnf("hook returned %T, expected %T", next, payload)
			return nil, apperr.HookRejected("invalid hook result")
		}
		payload = next
	}
	return payload, nil
}

func (r *Registry) callBefore(ctx context.Context, ext extension, event Event, payload any) (any, error) {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan beforeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- beforeResult{err: fmt.Errorf("hook panicked: %v", rec)}
			}
		}()
		p, err := ext.before(hctx, payload)
		done <- beforeResult{payload: p, err: err}
	}()

	select {
	case res := <-done:
		// a result that lands after the deadline is still a timeout
		if hctx.Err() == nil {
			return r.beforeOutcome(event, ext, res)
		}
	case <-hctx.Done():
	}

	// cancel() runs on return and tells the abandoned hook to stop; its result is dropped.
	r.log.WithFields(logrus.Fields{"event": event, "hook": ext.name, "timeout": r.timeout}).
		Warn("before hook timed out")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	return nil, &apperr.Error{Kind: apperr.KindHookTimeout, Reason: ext.name}
}

func (r *Registry) beforeOutcome(event Event, ext extension, res beforeResult) (any, error) {
	if res.err == nil {
		return res.payload, nil
	}
	var rej *RejectError
	if errors.As(res.err, &rej) {
		r.log.WithFields(logrus.Fields{"event": event, "hook": ext.name, "reason": rej.Reason}).
			Debug("before hook rejected operation")
		return nil, apperr.HookRejected(rej.Reason)
	}
	r.log.WithFields(logrus.Fields{"event": event, "hook": ext.name}).
		WithError(res.err).Warn("before hook failed")
	return nil, apperr.HookRejected(res.err.Error())
}

// After fires every after hook for event on its own goroutine, detached from the caller's
// cancellation and bounded by the registry timeout. It returns immediately.
func (r *Registry) After(ctx context.Context, event Event, result any) {
	exts := r.extensions(event)
	if len(exts) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, ext := range exts {
		if ext.after == nil {
			continue
		}
		r.wg.Add(1)
		go r.callAfter(base, ext, event, result)
	}
}

func (r *Registry) callAfter(base context.Context, ext extension, event Event, result any) {
	defer r.wg.Done()
	hctx, cancel := context.WithTimeout(base, r.timeout)
	defer cancel()

	fields := logrus.Fields{"event": event, "hook": ext.name}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("hook panicked: %v", rec)
			}
		}()
		done <- ext.after(hctx, result)
	}()

	select {
	case err := <-done:
		if err != nil {
			r.log.WithFields(fields).WithError(err).Warn("after hook failed")
		}
	case <-hctx.Done():
		r.log.WithFields(fields).Warn("after hook timed out, result discarded")
	}
}

// Wait blocks until every in-flight after hook has finished or been abandoned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Nop is a Dispatcher with no extensions.
type Nop struct{}

func (Nop) Before(_ context.Context, _ Event, payload any) (any, error) { return payload, nil }
func (Nop) After(context.Context, Event, any)                          {}

var (
	_ Dispatcher = (*Registry)(nil)
	_ Dispatcher = Nop{}
)
