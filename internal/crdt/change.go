package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Op actions.
const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

// Op is a single mutation inside a Change. Insert carries the full Char;
// delete only needs Char.ID.
type Op struct {
	Action string `json:"action"`
	Char   Char   `json:"char"`
}

// Change is an immutable mutation record produced by one local edit. Deps is
// the author's clock when the change was made (actor -> highest seq seen);
// merging does not require it since inserts and tombstones commute.
type Change struct {
	Actor string            `json:"actor"`
	Seq   uint64            `json:"seq"`
	Deps  map[string]uint64 `json:"deps,omitempty"`
	Ops   []Op              `json:"ops"`
}

// DecodeError reports a change or snapshot that could not be decoded.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("crdt: decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Encode serializes a change.
func (c *Change) Encode() []byte {
	buf, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("crdt: marshal change: %v", err))
	}
	return buf
}

// DecodeChange parses and validates a raw change record.
func DecodeChange(raw []byte) (*Change, error) {
	var c Change
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, &DecodeError{What: "change", Err: err}
	}
	if err := c.validate(); err != nil {
		return nil, &DecodeError{What: "change", Err: err}
	}
	return &c, nil
}

func (c *Change) validate() error {
	if c.Actor == "" {
		return errors.New("empty actor")
	}
	if c.Seq == 0 {
		return errors.New("seq must be >= 1")
	}
	if len(c.Ops) == 0 {
		return errors.New("no ops")
	}
	for i, op := range c.Ops {
		switch op.Action {
		case ActionInsert:
			if err := op.Char.validate(); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		case ActionDelete:
			if op.Char.ID.PeerID == "" {
				return fmt.Errorf("op %d: delete without char id", i)
			}
		default:
			return fmt.Errorf("op %d: unknown action %q", i, op.Action)
		}
	}
	return nil
}
