// Package room owns the per-room collaboration state: one CRDT document, the
// sessions connected to it, and the apply-and-broadcast path between them.
//
// Lock order is fixed: the registry lock is always released before a room
// lock is taken. A room lock never covers network I/O; outbound messages are
// enqueued on bounded per-session queues after the lock is released.
package room

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"collabtext/roomsync/internal/codec"
	"collabtext/roomsync/internal/crdt"
)

// State is the lifecycle state of a room.
type State string

const (
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateRetired State = "retired"
)

// Room combines one document with its connected sessions.
type Room struct {
	name    string
	created time.Time
	policy  Policy
	log     *slog.Logger
	retired atomic.Bool

	mu        sync.Mutex // protects the fields below
	doc       *crdt.Document
	members   map[string]*Session
	idleSince time.Time
	counters  Counters
}

// Counters are cumulative per-room totals.
type Counters struct {
	ChangesApplied  int64 `json:"changes_applied"`
	ChangesRejected int64 `json:"changes_rejected"`
	Broadcasts      int64 `json:"broadcasts"`
	Snapshots       int64 `json:"snapshots"`
	SlowConsumers   int64 `json:"slow_consumers"`
}

func newRoom(name string, policy Policy, now time.Time, logger *slog.Logger) *Room {
	return &Room{
		name:      name,
		created:   now,
		policy:    policy,
		log:       logger.With("room", name),
		doc:       crdt.New(),
		members:   make(map[string]*Session),
		idleSince: now,
	}
}

// Name returns the room's registry key.
func (r *Room) Name() string { return r.name }

// State reports the current lifecycle state.
func (r *Room) State() State {
	if r.retired.Load() {
		return StateRetired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 {
		return StateIdle
	}
	return StateActive
}

// Members returns the number of connected sessions.
func (r *Room) Members() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Text renders the current document content.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

// Snapshot returns the deterministic serialization of the current document.
func (r *Room) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// join registers s and queues its bootstrap messages under the same lock, so
// no broadcast can fall between the snapshot and the subscription.
func (r *Room) join(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired.Load() {
		return ErrRetired
	}
	r.members[s.id] = s
	r.idleSince = time.Time{}
	s.enqueue(codec.Marshal(codec.Welcome{
		Type:    codec.TypeWelcome,
		Room:    r.name,
		Session: s.id,
		Members: len(r.members),
	}))
	s.enqueue(codec.Marshal(codec.SnapshotMessage{
		Type: codec.TypeSnapshot,
		Room: r.name,
		Data: r.doc.Save(),
	}))
	return nil
}

// leave removes a member. It reports whether the room is now empty.
func (r *Room) leave(id string, now time.Time) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false, len(r.members) == 0
	}
	delete(r.members, id)
	if len(r.members) == 0 {
		r.idleSince = now
	}
	return true, len(r.members) == 0
}

// retireIfIdle marks the room retired when it has had no members for at
// least ttl. A retired room refuses joins.
func (r *Room) retireIfIdle(now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired.Load() {
		return true
	}
	if len(r.members) > 0 || r.idleSince.IsZero() || now.Sub(r.idleSince) < ttl {
		return false
	}
	r.retired.Store(true)
	return true
}

// recipientsLocked lists the sessions a message from origin goes to.
func (r *Room) recipientsLocked(origin string) []*Session {
	out := make([]*Session, 0, len(r.members))
	for id, s := range r.members {
		if id == origin && !r.policy.EchoOrigin {
			continue
		}
		out = append(out, s)
	}
	return out
}

// HandleChanges decodes, applies and rebroadcasts a batch submitted by the
// session origin (empty for non-session callers). Invalid entries are dropped
// and logged. It returns the number of applied changes.
func (r *Room) HandleChanges(origin string, encoded []string) int {
	r.mu.Lock()
	decoded := codec.DecodeChanges(encoded)
	res := r.doc.ApplyChanges(decoded.Raw)
	applied := make([]string, 0, len(res.Applied))
	for _, i := range res.Applied {
		applied = append(applied, decoded.Encoded[i])
	}
	r.counters.ChangesApplied += int64(len(applied))
	r.counters.ChangesRejected += int64(len(decoded.Errors) + len(res.Rejected))
	var (
		msg        []byte
		recipients []*Session
	)
	if len(applied) > 0 {
		msg = codec.Marshal(codec.Rebroadcast{Type: codec.TypeChanges, Changes: applied})
		recipients = r.recipientsLocked(origin)
		r.counters.Broadcasts++
	}
	r.mu.Unlock()

	for _, err := range decoded.Errors {
		r.log.Warn("change dropped", "session", origin, "error", err)
	}
	for _, err := range res.Rejected {
		r.log.Warn("change dropped", "session", origin, "error", err)
	}
	r.deliver(recipients, msg)
	return len(applied)
}

// HandleSnapshot resets the document from a snapshot and resynchronizes the
// other members. In replace mode a corrupt snapshot leaves the room with an
// empty document; in merge mode it leaves the document untouched.
func (r *Room) HandleSnapshot(origin string, data []byte) {
	r.mu.Lock()
	switch r.policy.SnapshotMode {
	case SnapshotMerge:
		if other, err := crdt.Load(data); err != nil {
			r.log.Warn("snapshot dropped", "session", origin, "error", err)
		} else {
			r.doc.Merge(other)
		}
	default:
		r.doc = crdt.LoadOrEmpty(data, r.log.With("session", origin))
	}
	r.counters.Snapshots++
	msg := codec.Marshal(codec.SnapshotMessage{
		Type: codec.TypeSnapshot,
		Room: r.name,
		Data: r.doc.Save(),
	})
	recipients := r.recipientsLocked(origin)
	r.mu.Unlock()

	r.deliver(recipients, msg)
}

func (r *Room) deliver(recipients []*Session, msg []byte) {
	for _, s := range recipients {
		if err := s.enqueue(msg); errors.Is(err, errQueueFull) {
			r.mu.Lock()
			r.counters.SlowConsumers++
			r.mu.Unlock()
			s.log.Warn("outbound queue full, closing session")
			s.Close()
		}
	}
}

// RoomStats is a point-in-time summary of a room.
type RoomStats struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Members   int       `json:"members"`
	DocLength int       `json:"doc_length"`
	CreatedAt time.Time `json:"created_at"`
	IdleSince time.Time `json:"idle_since"`
	Counters  Counters  `json:"counters"`
}

// Stats returns a summary of the room.
func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RoomStats{
		Name:      r.name,
		State:     StateActive,
		Members:   len(r.members),
		DocLength: r.doc.Len(),
		CreatedAt: r.created,
		IdleSince: r.idleSince,
		Counters:  r.counters,
	}
	switch {
	case r.retired.Load():
		st.State = StateRetired
	case len(r.members) == 0:
		st.State = StateIdle
	}
	return st
}
