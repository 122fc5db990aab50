package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxJoinAttempts bounds retries when a join races with eviction.
const maxJoinAttempts = 8

// IDGenerator produces candidate session identifiers. The registry checks
// every candidate against live sessions before using it.
type IDGenerator func() string

// UUIDv7 is the default session id generator.
func UUIDv7() IDGenerator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Registry maps room names to rooms. Its lock guards only the map and the
// live session ids; room contents are guarded by each room.
type Registry struct {
	policy Policy
	log    *slog.Logger
	newID  IDGenerator
	now    func() time.Time

	mu       sync.Mutex // protects the fields below
	rooms    map[string]*Room
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Registry) { g.log = l }
}

// WithIDGenerator sets the session id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(g *Registry) { g.newID = gen }
}

// WithClock sets the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(g *Registry) { g.now = now }
}

// NewRegistry returns an empty registry.
func NewRegistry(policy Policy, opts ...Option) *Registry {
	g := &Registry{
		policy:   policy.normalized(),
		log:      slog.Default(),
		newID:    UUIDv7(),
		now:      time.Now,
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Policy returns the effective policy.
func (g *Registry) Policy() Policy { return g.policy }

// GetOrCreate returns the room for name, creating it on first use. Concurrent
// callers for the same name all observe the same room.
func (g *Registry) GetOrCreate(name string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getOrCreateLocked(name)
}

func (g *Registry) getOrCreateLocked(name string) *Room {
	if name == "" {
		name = DefaultRoom
	}
	if r, ok := g.rooms[name]; ok && !r.retired.Load() {
		return r
	}
	r := newRoom(name, g.policy, g.now(), g.log)
	g.rooms[name] = r
	g.log.Info("room created", "room", name)
	return r
}

// Lookup returns the room for name without creating it.
func (g *Registry) Lookup(name string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[name]
	if !ok || r.retired.Load() {
		return nil, false
	}
	return r, true
}

// Len returns the number of rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Sessions returns the number of live sessions across all rooms.
func (g *Registry) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Join creates a session in the named room, creating the room if needed.
// The session has already been sent its welcome and the current snapshot.
func (g *Registry) Join(name string) (*Session, error) {
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		g.mu.Lock()
		r := g.getOrCreateLocked(name)
		id := g.allocateLocked()
		s := newSession(id, r, g, g.policy.SendBuffer)
		g.sessions[id] = s
		g.mu.Unlock()

		if err := r.join(s); err == nil {
			s.log.Info("session joined")
			return s, nil
		}

		// The room was evicted between lookup and join; drop it and retry.
		g.mu.Lock()
		delete(g.sessions, id)
		if g.rooms[r.name] == r {
			delete(g.rooms, r.name)
		}
		g.mu.Unlock()
	}
	return nil, ErrRetired
}

func (g *Registry) allocateLocked() string {
	for {
		id := g.newID()
		if _, taken := g.sessions[id]; !taken && id != "" {
			return id
		}
		g.log.Warn("session id collision, regenerating", "id", id)
	}
}

// RemoveSession removes a session from its room. It reports whether anything
// was removed; repeated calls are no-ops.
func (g *Registry) RemoveSession(name, id string) bool {
	g.mu.Lock()
	s, ok := g.sessions[id]
	if !ok || s.room.name != name {
		g.mu.Unlock()
		return false
	}
	delete(g.sessions, id)
	g.mu.Unlock()

	removed, empty := s.room.leave(id, g.now())
	if removed && empty && g.policy.EvictIdle && g.policy.IdleTTL <= 0 {
		g.evict(s.room, g.now())
	}
	return removed
}

// ApplyChanges submits changes to a room on behalf of a non-session caller.
func (g *Registry) ApplyChanges(name string, encoded []string) (int, error) {
	r, err := g.resolve(name)
	if err != nil {
		return 0, err
	}
	return r.HandleChanges("", encoded), nil
}

// LoadSnapshot resets a room from a snapshot on behalf of a non-session
// caller.
func (g *Registry) LoadSnapshot(name string, data []byte) error {
	r, err := g.resolve(name)
	if err != nil {
		return err
	}
	r.HandleSnapshot("", data)
	return nil
}

func (g *Registry) resolve(name string) (*Room, error) {
	if r, ok := g.Lookup(name); ok {
		return r, nil
	}
	if g.policy.UnknownRoom == UnknownRoomCreate {
		return g.GetOrCreate(name), nil
	}
	return nil, ErrUnknownRoom
}

// Sweep evicts rooms idle for at least the policy's IdleTTL. It returns the
// number of rooms evicted.
func (g *Registry) Sweep(now time.Time) int {
	if !g.policy.EvictIdle {
		return 0
	}
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	n := 0
	for _, r := range rooms {
		if g.evict(r, now) {
			n++
		}
	}
	return n
}

func (g *Registry) evict(r *Room, now time.Time) bool {
	if !r.retireIfIdle(now, g.policy.IdleTTL) {
		return false
	}
	g.mu.Lock()
	current := g.rooms[r.name] == r
	if current {
		delete(g.rooms, r.name)
	}
	g.mu.Unlock()
	if current {
		g.log.Info("room evicted", "room", r.name)
	}
	return current
}

// Run sweeps idle rooms every interval until ctx is done.
func (g *Registry) Run(ctx context.Context, interval time.Duration) {
	if !g.policy.EvictIdle || interval <= 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := g.Sweep(g.now()); n > 0 {
				g.log.Debug("idle sweep", "evicted", n)
			}
		}
	}
}

// CloseAll terminates every live session.
func (g *Registry) CloseAll() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Stats summarizes every room, sorted by name.
func (g *Registry) Stats() []RoomStats {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
