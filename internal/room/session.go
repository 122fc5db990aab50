package room

import (
	"encoding/json"
	"log/slog"
	"sync"

	"collabtext/roomsync/internal/codec"
)

// Session is one live client's binding to a room. The transport reads
// Outbound, feeds inbound frames to HandleMessage, and calls Close on any
// terminal event.
type Session struct {
	id       string
	room     *Room
	registry *Registry
	log      *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, r *Room, g *Registry, buffer int) *Session {
	return &Session{
		id:       id,
		room:     r,
		registry: g,
		log:      r.log.With("session", id),
		out:      make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// ID returns the registry-wide unique session identifier.
func (s *Session) ID() string { return s.id }

// Room returns the room the session belongs to.
func (s *Session) Room() *Room { return s.room }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// Outbound yields messages to write to the client. It is never closed; use
// Done to detect termination.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// enqueue never blocks. The out channel is never closed, so a sender racing
// with Close cannot panic.
func (s *Session) enqueue(msg []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return errQueueFull
	}
}

// HandleMessage dispatches one inbound text frame. Malformed or unknown
// messages are logged and dropped.
func (s *Session) HandleMessage(data []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	var env codec.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("malformed message", "error", err)
		return
	}
	if env.Room != "" && env.Room != s.room.name {
		s.log.Warn("message for another room dropped", "target", env.Room)
		return
	}
	switch env.Type {
	case codec.TypeChanges:
		var msg codec.ChangeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed changes message", "error", err)
			return
		}
		s.room.HandleChanges(s.id, msg.Changes)
	case codec.TypeSnapshot:
		var msg codec.SnapshotMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed snapshot message", "error", err)
			return
		}
		s.room.HandleSnapshot(s.id, msg.Data)
	default:
		s.log.Warn("unknown message type", "type", env.Type)
	}
}

// Close terminates the session and removes it from its room. Only the first
// call has an effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.registry.RemoveSession(s.room.name, s.id)
		s.log.Info("session closed")
	})
}
