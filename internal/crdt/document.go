// Package crdt implements the mergeable text document shared by a room.
//
// The document is a Logoot-style sequence: every character carries a unique
// CharID and a dense Position, deletions are tombstones. Applying the same
// set of changes in any order, any number of times, yields the same state.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

const snapshotVersion = 1

// Document is the merged state of one room. It is not safe for concurrent
// use; the owning room serializes access.
type Document struct {
	chars      map[CharID]Char
	tombstones map[CharID]struct{}
	clock      map[string]uint64
	order      []Char // visible chars in document order, nil when stale
}

// New returns an empty document.
func New() *Document {
	return &Document{
		chars:      make(map[CharID]Char),
		tombstones: make(map[CharID]struct{}),
		clock:      make(map[string]uint64),
	}
}

// ApplyResult reports which entries of a batch were applied.
type ApplyResult struct {
	Applied  []int   // indices into the input batch, ascending
	Rejected []error // one per dropped entry
}

// ApplyChanges applies an ordered batch of raw changes. A change that fails
// to decode or validate is dropped; the rest of the batch still applies.
func (d *Document) ApplyChanges(changes [][]byte) ApplyResult {
	var res ApplyResult
	for i, raw := range changes {
		c, err := DecodeChange(raw)
		if err != nil {
			res.Rejected = append(res.Rejected, fmt.Errorf("change %d: %w", i, err))
			continue
		}
		d.apply(c)
		res.Applied = append(res.Applied, i)
	}
	return res
}

// Apply applies an already decoded change.
func (d *Document) Apply(c *Change) error {
	if err := c.validate(); err != nil {
		return &DecodeError{What: "change", Err: err}
	}
	d.apply(c)
	return nil
}

func (d *Document) apply(c *Change) {
	for _, op := range c.Ops {
		switch op.Action {
		case ActionInsert:
			d.insert(op.Char)
		case ActionDelete:
			d.remove(op.Char.ID)
		}
	}
	if c.Seq > d.clock[c.Actor] {
		d.clock[c.Actor] = c.Seq
	}
}

func (d *Document) insert(ch Char) {
	if _, dead := d.tombstones[ch.ID]; dead {
		return
	}
	if cur, ok := d.chars[ch.ID]; ok {
		ch = wins(cur, ch)
		if ch.Value == cur.Value && ch.Position.Compare(cur.Position) == 0 {
			return
		}
	}
	d.chars[ch.ID] = ch
	d.order = nil
}

func (d *Document) remove(id CharID) {
	d.tombstones[id] = struct{}{}
	if _, ok := d.chars[id]; ok {
		delete(d.chars, id)
		d.order = nil
	}
}

// Merge folds every insert, tombstone and clock entry of other into d.
func (d *Document) Merge(other *Document) {
	for id := range other.tombstones {
		d.remove(id)
	}
	for _, ch := range other.chars {
		d.insert(ch)
	}
	for actor, seq := range other.clock {
		if seq > d.clock[actor] {
			d.clock[actor] = seq
		}
	}
}

func (d *Document) visible() []Char {
	if d.order == nil {
		d.order = make([]Char, 0, len(d.chars))
		for _, ch := range d.chars {
			d.order = append(d.order, ch)
		}
		sort.Slice(d.order, func(i, j int) bool { return d.order[i].Less(d.order[j]) })
	}
	return d.order
}

// Text renders the visible characters in order.
func (d *Document) Text() string {
	var b strings.Builder
	for _, ch := range d.visible() {
		b.WriteString(ch.Value)
	}
	return b.String()
}

// Len is the number of visible characters.
func (d *Document) Len() int { return len(d.chars) }

// Clock returns a copy of the highest change seq applied per actor.
func (d *Document) Clock() map[string]uint64 {
	out := make(map[string]uint64, len(d.clock))
	for k, v := range d.clock {
		out[k] = v
	}
	return out
}

type snapshot struct {
	Version    int               `json:"version"`
	Chars      []Char            `json:"chars"`
	Tombstones []CharID          `json:"tombstones"`
	Clock      map[string]uint64 `json:"clock"`
}

// Save returns a deterministic full serialization of the document.
func (d *Document) Save() []byte {
	s := snapshot{
		Version:    snapshotVersion,
		Chars:      append([]Char{}, d.visible()...),
		Tombstones: make([]CharID, 0, len(d.tombstones)),
		Clock:      d.clock,
	}
	for id := range d.tombstones {
		s.Tombstones = append(s.Tombstones, id)
	}
	sort.Slice(s.Tombstones, func(i, j int) bool { return s.Tombstones[i].Compare(s.Tombstones[j]) < 0 })
	buf, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("crdt: marshal snapshot: %v", err))
	}
	return buf
}

// Load rebuilds a document from a snapshot produced by Save.
func Load(data []byte) (*Document, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &DecodeError{What: "snapshot", Err: err}
	}
	if s.Version != snapshotVersion {
		return nil, &DecodeError{What: "snapshot", Err: fmt.Errorf("unsupported version %d", s.Version)}
	}
	d := New()
	for _, id := range s.Tombstones {
		if id.PeerID == "" {
			return nil, &DecodeError{What: "snapshot", Err: errors.New("tombstone without peer id")}
		}
		d.tombstones[id] = struct{}{}
	}
	for _, ch := range s.Chars {
		if err := ch.validate(); err != nil {
			return nil, &DecodeError{What: "snapshot", Err: err}
		}
		if _, dup := d.chars[ch.ID]; dup {
			return nil, &DecodeError{What: "snapshot", Err: fmt.Errorf("duplicate char %s", ch.ID)}
		}
		d.insert(ch)
	}
	for actor, seq := range s.Clock {
		if actor == "" {
			return nil, &DecodeError{What: "snapshot", Err: errors.New("clock entry without actor")}
		}
		d.clock[actor] = seq
	}
	return d, nil
}

// LoadOrEmpty is Load with a fallback: a corrupt snapshot is logged and
// replaced by an empty document.
func LoadOrEmpty(data []byte, logger *slog.Logger) *Document {
	d, err := Load(data)
	if err != nil {
		logger.Warn("snapshot rejected, using empty document", "error", err, "bytes", len(data))
		return New()
	}
	return d
}
