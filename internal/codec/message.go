package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Message types.
const (
	TypeChanges  = "changes"
	TypeSnapshot = "snapshot"
	TypeWelcome  = "welcome"
)

// Envelope is decoded first to route an inbound message by type.
type Envelope struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

// ChangeMessage is sent by a client with an ordered batch of encoded changes.
type ChangeMessage struct {
	Type    string   `json:"type"`
	Room    string   `json:"room,omitempty"`
	Changes []string `json:"changes"`
}

// SnapshotMessage carries a full document snapshot. Clients send it to reset
// a room; the server sends it to bootstrap or resynchronize a client.
type SnapshotMessage struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Data Bytes  `json:"data"`
}

// Rebroadcast is delivered to room members after a batch was applied.
type Rebroadcast struct {
	Type    string   `json:"type"`
	Changes []string `json:"changes"`
}

// Welcome is the first message a session receives after joining.
type Welcome struct {
	Type    string `json:"type"`
	Room    string `json:"room"`
	Session string `json:"session"`
	Members int    `json:"members"`
}

// Bytes is a raw byte field. Browser clients send it as an array of
// integers; a base64 string is accepted as well. It always marshals as an
// integer array.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	buf := make([]byte, 0, 2+len(b)*4)
	buf = append(buf, '[')
	for i, c := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(c), 10)
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: bytes: %v", ErrDecode, err)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: bytes: base64: %v", ErrDecode, err)
		}
		*b = raw
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("%w: bytes: %v", ErrDecode, err)
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: bytes: value %d at %d out of range", ErrDecode, v, i)
		}
		raw[i] = byte(v)
	}
	*b = raw
	return nil
}

// Marshal encodes an outbound message. Outbound types contain only strings,
// ints and Bytes, so an error here is a programming error.
func Marshal(v any) []byte {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("codec: marshal %T: %v", v, err))
	}
	return buf
}
