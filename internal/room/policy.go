package room

import (
	"errors"
	"time"
)

// DefaultRoom is used when a join names no room.
const DefaultRoom = "default"

var (
	// ErrUnknownRoom is returned by room-addressed registry operations when
	// the room does not exist and the policy does not create it.
	ErrUnknownRoom = errors.New("room: unknown room")
	// ErrRetired means the room was evicted while the caller held it.
	ErrRetired = errors.New("room: retired")
	// ErrSessionClosed is returned when delivering to a closed session.
	ErrSessionClosed = errors.New("room: session closed")

	errQueueFull = errors.New("room: outbound queue full")
)

// SnapshotMode decides what an inbound snapshot does to the room document.
type SnapshotMode string

const (
	// SnapshotReplace discards the document and loads the snapshot.
	SnapshotReplace SnapshotMode = "replace"
	// SnapshotMerge merges the snapshot into the current document.
	SnapshotMerge SnapshotMode = "merge"
)

// UnknownRoomPolicy decides what room-addressed operations do when the room
// does not exist.
type UnknownRoomPolicy string

const (
	UnknownRoomIgnore UnknownRoomPolicy = "ignore"
	UnknownRoomCreate UnknownRoomPolicy = "create"
)

// Policy holds the room behaviour that is a deployment decision rather than
// a fixed rule.
type Policy struct {
	// EchoOrigin also delivers a rebroadcast to the session that sent it.
	EchoOrigin bool
	// SnapshotMode defaults to SnapshotReplace.
	SnapshotMode SnapshotMode
	// EvictIdle removes rooms that had no members for IdleTTL. When false,
	// idle rooms are retained for the life of the process.
	EvictIdle bool
	IdleTTL   time.Duration
	// UnknownRoom defaults to UnknownRoomIgnore.
	UnknownRoom UnknownRoomPolicy
	// SendBuffer is the per-session outbound queue length.
	SendBuffer int
}

// DefaultPolicy retains rooms, skips the echo and replaces on snapshot.
func DefaultPolicy() Policy {
	return Policy{
		SnapshotMode: SnapshotReplace,
		UnknownRoom:  UnknownRoomIgnore,
		SendBuffer:   256,
	}
}

func (p Policy) normalized() Policy {
	if p.SnapshotMode == "" {
		p.SnapshotMode = SnapshotReplace
	}
	if p.UnknownRoom == "" {
		p.UnknownRoom = UnknownRoomIgnore
	}
	// join queues two messages before the transport starts draining.
	if p.SendBuffer < 2 {
		p.SendBuffer = 2
	}
	return p
}
