package crdt

import (
	"fmt"
	"strings"
)

// Base bounds every digit of a Position: 0 <= digit < Base.
const Base = 1 << 16

// CharID is a globally unique identifier for a character, combining a logical clock
// and the ID of the peer that created it.
type CharID struct {
	Clock  int    `json:"clock"`
	PeerID string `json:"peerID"`
}

func (id CharID) String() string {
	return fmt.Sprintf("%d@%s", id.Clock, id.PeerID)
}

// Compare orders ids by clock, then peer.
func (id CharID) Compare(other CharID) int {
	switch {
	case id.Clock < other.Clock:
		return -1
	case id.Clock > other.Clock:
		return 1
	}
	return strings.Compare(id.PeerID, other.PeerID)
}

// Ident is one level of a Position. The peer and clock of the allocating
// char make every allocated Position unique.
type Ident struct {
	Digit int    `json:"digit"`
	Peer  string `json:"peer,omitempty"`
	Clock int    `json:"clock,omitempty"`
}

// Compare orders idents by digit, then peer, then clock.
func (a Ident) Compare(b Ident) int {
	switch {
	case a.Digit < b.Digit:
		return -1
	case a.Digit > b.Digit:
		return 1
	}
	if c := strings.Compare(a.Peer, b.Peer); c != 0 {
		return c
	}
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	}
	return 0
}

// Position is a dense, sortable location in the sequence. A proper prefix
// sorts before any of its extensions.
type Position []Ident

// Compare orders positions lexicographically.
func (p Position) Compare(other Position) int {
	for i := 0; i < len(p) && i < len(other); i++ {
		if c := p[i].Compare(other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	}
	return 0
}

func (p Position) valid() bool {
	if len(p) == 0 {
		return false
	}
	if last := p[len(p)-1]; last.Digit < 1 || last.Peer == "" {
		return false
	}
	for _, id := range p {
		if id.Digit < 0 || id.Digit >= Base {
			return false
		}
	}
	return true
}

// Between allocates a position for a char of id strictly between left and
// right. A nil left means the start of the document, a nil right the end.
// The last level always carries id and a digit >= 1, so the result is unique
// and the start of the document stays below it. Neighbours with equal digits
// are separated by descending below left.
func Between(left, right Position, id CharID) Position {
	var out Position
	rightOpen := right == nil
	for i := 0; ; i++ {
		l := Ident{}
		if i < len(left) {
			l = left[i]
		}
		r := Ident{Digit: Base}
		if !rightOpen && i < len(right) {
			r = right[i]
		}
		if r.Digit-l.Digit > 1 {
			return append(out, Ident{Digit: l.Digit + 1, Peer: id.PeerID, Clock: id.Clock})
		}
		out = append(out, l)
		if l.Compare(r) < 0 {
			rightOpen = true
		}
	}
}

// Char represents a single character in the CRDT sequence. It has a unique ID,
// its value, and a sortable Position that determines its place in the document.
type Char struct {
	ID       CharID   `json:"id"`
	Value    string   `json:"value"`
	Position Position `json:"position"`
}

// Less is the total document order: position first, id as tie-breaker for
// positions that were not allocated by Between.
func (c Char) Less(other Char) bool {
	if cmp := c.Position.Compare(other.Position); cmp != 0 {
		return cmp < 0
	}
	return c.ID.Compare(other.ID) < 0
}

func (c Char) validate() error {
	if c.ID.PeerID == "" {
		return fmt.Errorf("char %s: empty peer id", c.ID)
	}
	if c.Value == "" {
		return fmt.Errorf("char %s: empty value", c.ID)
	}
	if !c.Position.valid() {
		return fmt.Errorf("char %s: invalid position %v", c.ID, c.Position)
	}
	return nil
}

// wins picks one of two chars claiming the same id, independent of which
// arrived first.
func wins(a, b Char) Char {
	if cmp := a.Position.Compare(b.Position); cmp != 0 {
		if cmp < 0 {
			return a
		}
		return b
	}
	if a.Value <= b.Value {
		return a
	}
	return b
}
