package server

import (
	"context"
	"time"

	"github.com/segmentio/ksuid"
)

// EventType names an authorization event.
type EventType string

const (
	// EventBeforeAuthorize fires once the user is known, before consent.
	EventBeforeAuthorize EventType = "beforeAuthorize"
	// EventAfterAuthorize fires after an approved request was answered.
	EventAfterAuthorize EventType = "afterAuthorize"
	// EventAfterDeny fires after a denied request was answered.
	EventAfterDeny EventType = "afterDeny"
)

// Event is passed to every EventHandler. Request must not be modified.
type Event struct {
	ID      string
	Type    EventType
	Time    time.Time
	Request *AuthorizationRequest
}

// EventHandler observes authorization events. Handlers run synchronously
// on the request path and cannot change its outcome.
type EventHandler func(ctx context.Context, ev Event)

// OnEvent returns a handler that only sees events of type t.
func OnEvent(t EventType, fn EventHandler) EventHandler {
	return func(ctx context.Context, ev Event) {
		if ev.Type == t {
			fn(ctx, ev)
		}
	}
}

func (s *Server) emit(ctx context.Context, t EventType, req *AuthorizationRequest) {
	if len(s.Config.EventHandlers) == 0 {
		return
	}
	ev := Event{
		ID:      ksuid.New().String(),
		Type:    t,
		Time:    s.codec.Now(),
		Request: req,
	}
	for _, h := range s.Config.EventHandlers {
		s.dispatch(ctx, h, ev)
	}
}

// dispatch isolates a panicking handler from the request.
func (s *Server) dispatch(ctx context.Context, h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("Event handler panicked", "event", ev.Type, "event_id", ev.ID, "panic", r)
		}
	}()
	h(ctx, ev)
}
