package crdt

import "fmt"

// Editor is a client-side replica: it turns index-based edits into changes
// and keeps a local document in step. Indices count visible characters.
type Editor struct {
	peer  string
	clock int
	seq   uint64
	doc   *Document
}

// NewEditor returns an editor for peer over an empty replica.
func NewEditor(peer string) *Editor {
	return &Editor{peer: peer, doc: New()}
}

// Document exposes the local replica.
func (e *Editor) Document() *Document { return e.doc }

// Insert inserts text before the visible character at index, one Char per
// rune, and returns the encoded change.
func (e *Editor) Insert(index int, text string) ([]byte, error) {
	chars := e.doc.visible()
	if index < 0 || index > len(chars) {
		return nil, fmt.Errorf("crdt: insert index %d out of range [0,%d]", index, len(chars))
	}
	if text == "" {
		return nil, fmt.Errorf("crdt: empty insert")
	}
	var left, right Position
	if index > 0 {
		left = chars[index-1].Position
	}
	if index < len(chars) {
		right = chars[index].Position
	}
	c := e.next()
	for _, r := range text {
		e.clock++
		id := CharID{Clock: e.clock, PeerID: e.peer}
		pos := Between(left, right, id)
		c.Ops = append(c.Ops, Op{Action: ActionInsert, Char: Char{
			ID:       id,
			Value:    string(r),
			Position: pos,
		}})
		left = pos
	}
	return e.commit(c), nil
}

// Delete removes n visible characters starting at index.
func (e *Editor) Delete(index, n int) ([]byte, error) {
	chars := e.doc.visible()
	if index < 0 || n <= 0 || index+n > len(chars) {
		return nil, fmt.Errorf("crdt: delete [%d,%d) out of range [0,%d)", index, index+n, len(chars))
	}
	c := e.next()
	for _, ch := range chars[index : index+n] {
		c.Ops = append(c.Ops, Op{Action: ActionDelete, Char: Char{ID: ch.ID}})
	}
	return e.commit(c), nil
}

// Receive applies a remote raw change to the replica.
func (e *Editor) Receive(raw []byte) error {
	c, err := DecodeChange(raw)
	if err != nil {
		return err
	}
	e.doc.apply(c)
	return nil
}

func (e *Editor) next() *Change {
	e.seq++
	return &Change{Actor: e.peer, Seq: e.seq, Deps: e.doc.Clock()}
}

func (e *Editor) commit(c *Change) []byte {
	e.doc.apply(c)
	return c.Encode()
}
