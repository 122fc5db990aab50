// Package codec converts opaque binary change records to and from the
// transport-safe text form carried in JSON messages, and defines the wire
// envelopes exchanged with clients.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecode is wrapped by every decoding failure in this package.
var ErrDecode = errors.New("codec: decode")

// EncodeChange returns the base64 text form of a raw change record.
func EncodeChange(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeChange parses the base64 text form of a change record.
func DecodeChange(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty change", ErrDecode)
	}
	return raw, nil
}

// EncodeChanges encodes an ordered batch.
func EncodeChanges(raws [][]byte) []string {
	out := make([]string, len(raws))
	for i, raw := range raws {
		out[i] = EncodeChange(raw)
	}
	return out
}

// Decoded is the outcome of a tolerant batch decode. Raw and Encoded are
// index-aligned and keep the order of the input.
type Decoded struct {
	Raw     [][]byte
	Encoded []string
	Errors  []error
}

// DecodeChanges decodes every entry it can. Undecodable entries are dropped
// and reported in Errors with their index; they never abort the batch.
func DecodeChanges(encoded []string) Decoded {
	var d Decoded
	for i, s := range encoded {
		raw, err := DecodeChange(s)
		if err != nil {
			d.Errors = append(d.Errors, fmt.Errorf("change %d: %w", i, err))
			continue
		}
		d.Raw = append(d.Raw, raw)
		d.Encoded = append(d.Encoded, s)
	}
	return d
}
