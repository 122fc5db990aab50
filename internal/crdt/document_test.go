package crdt

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func mustInsert(t *testing.T, e *Editor, index int, text string) []byte {
	t.Helper()
	raw, err := e.Insert(index, text)
	if err != nil {
		t.Fatalf("Insert(%d, %q): %v", index, text, err)
	}
	return raw
}

func apply(t *testing.T, d *Document, changes ...[]byte) {
	t.Helper()
	res := d.ApplyChanges(changes)
	if len(res.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", res.Rejected)
	}
}

func TestApplyChanges_Commutative(t *testing.T) {
	a, b := NewEditor("alice"), NewEditor("bob")
	batchA := [][]byte{mustInsert(t, a, 0, "hello"), mustInsert(t, a, 5, "!")}
	batchB := [][]byte{mustInsert(t, b, 0, "world")}

	ab, ba := New(), New()
	apply(t, ab, batchA...)
	apply(t, ab, batchB...)
	apply(t, ba, batchB...)
	apply(t, ba, batchA...)

	if ab.Text() != ba.Text() {
		t.Fatalf("order dependent: %q vs %q", ab.Text(), ba.Text())
	}
	if !bytes.Equal(ab.Save(), ba.Save()) {
		t.Fatal("snapshots differ between application orders")
	}
}

func TestApplyChanges_DeleteBeforeInsert(t *testing.T) {
	e := NewEditor("alice")
	ins := mustInsert(t, e, 0, "abc")
	del, err := e.Delete(1, 1)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	d := New()
	apply(t, d, del, ins)
	if got := d.Text(); got != "ac" {
		t.Fatalf("got %q, want %q", got, "ac")
	}
}

func TestApplyChanges_Idempotent(t *testing.T) {
	e := NewEditor("alice")
	c1 := mustInsert(t, e, 0, "hello")
	c2 := mustInsert(t, e, 5, " world")

	d := New()
	apply(t, d, c1, c2)
	before := d.Save()
	apply(t, d, c1, c2, c1)
	if !bytes.Equal(before, d.Save()) {
		t.Fatal("duplicate delivery changed the document")
	}
	if d.Text() != "hello world" {
		t.Fatalf("got %q", d.Text())
	}
}

func TestApplyChanges_MalformedDropped(t *testing.T) {
	e := NewEditor("alice")
	c1 := mustInsert(t, e, 0, "hello")
	c2 := mustInsert(t, e, 5, " world")

	d := New()
	res := d.ApplyChanges([][]byte{c1, []byte("{not json"), c2, []byte(`{"actor":"x","seq":1,"ops":[{"action":"explode"}]}`)})
	if len(res.Rejected) != 2 {
		t.Fatalf("expected 2 rejections, got %v", res.Rejected)
	}
	for _, err := range res.Rejected {
		if !IsDecodeError(err) {
			t.Fatalf("expected DecodeError, got %v", err)
		}
	}
	if len(res.Applied) != 2 || res.Applied[0] != 0 || res.Applied[1] != 2 {
		t.Fatalf("applied indices: %v", res.Applied)
	}
	if d.Text() != "hello world" {
		t.Fatalf("got %q", d.Text())
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	e := NewEditor("alice")
	d := New()
	apply(t, d, mustInsert(t, e, 0, "hello world"))
	del, _ := e.Delete(0, 6)
	apply(t, d, del)

	saved := d.Save()
	if !bytes.Equal(saved, d.Save()) {
		t.Fatal("Save is not deterministic")
	}
	loaded, err := Load(saved)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Text() != "world" || loaded.Text() != d.Text() {
		t.Fatalf("round trip: got %q, want %q", loaded.Text(), d.Text())
	}
	if !bytes.Equal(loaded.Save(), saved) {
		t.Fatal("re-saved snapshot differs")
	}

	// Tombstones survive: replaying the deleted insert must not resurrect it.
	apply(t, loaded, mustInsert(t, NewEditor("alice"), 0, "h"))
	if loaded.Text() != "world" {
		t.Fatalf("tombstone lost: %q", loaded.Text())
	}
}

func TestLoad_Malformed(t *testing.T) {
	cases := map[string]string{
		"garbage":      "\x00\x01\x02",
		"version":      `{"version":9,"chars":[],"tombstones":[],"clock":{}}`,
		"bad position": `{"version":1,"chars":[{"id":{"clock":1,"peerID":"a"},"value":"x","position":[]}],"tombstones":[],"clock":{}}`,
		"no peer":      `{"version":1,"chars":[{"id":{"clock":1,"peerID":"a"},"value":"x","position":[{"digit":1}]}],"tombstones":[],"clock":{}}`,
		"duplicate":    `{"version":1,"chars":[{"id":{"clock":1,"peerID":"a"},"value":"x","position":[{"digit":1,"peer":"a","clock":1}]},{"id":{"clock":1,"peerID":"a"},"value":"y","position":[{"digit":2,"peer":"a","clock":1}]}],"tombstones":[],"clock":{}}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load([]byte(in)); !IsDecodeError(err) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}

func TestLoadOrEmpty_FallsBack(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := LoadOrEmpty([]byte("corrupt"), logger)
	if d == nil || d.Len() != 0 {
		t.Fatal("expected empty document")
	}
	apply(t, d, mustInsert(t, NewEditor("alice"), 0, "ok"))
	if d.Text() != "ok" {
		t.Fatalf("fallback document unusable: %q", d.Text())
	}
}

func TestMerge(t *testing.T) {
	a, b := NewEditor("alice"), NewEditor("bob")
	left, right := New(), New()
	apply(t, left, mustInsert(t, a, 0, "ab"))
	apply(t, right, mustInsert(t, b, 0, "cd"))

	merged := New()
	merged.Merge(left)
	merged.Merge(right)
	merged.Merge(left)

	both := New()
	both.Merge(right)
	both.Merge(left)
	if merged.Text() != both.Text() || merged.Len() != 4 {
		t.Fatalf("merge: %q vs %q", merged.Text(), both.Text())
	}
	if merged.Clock()["alice"] != 1 || merged.Clock()["bob"] != 1 {
		t.Fatalf("clock: %v", merged.Clock())
	}
}

func TestEditor_ConvergesWithRemote(t *testing.T) {
	a, b := NewEditor("alice"), NewEditor("bob")
	ca := mustInsert(t, a, 0, "abc")
	if err := b.Receive(ca); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	cb := mustInsert(t, b, 1, "X")
	if err := a.Receive(cb); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if a.Document().Text() != "aXbc" || b.Document().Text() != "aXbc" {
		t.Fatalf("diverged: %q / %q", a.Document().Text(), b.Document().Text())
	}
}

func TestEditor_InsertBetweenConcurrentNeighbours(t *testing.T) {
	a, b := NewEditor("a"), NewEditor("b")
	ca := mustInsert(t, a, 0, "A")
	cb := mustInsert(t, b, 0, "B")
	if err := a.Receive(cb); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := b.Receive(ca); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := a.Document().Text(); got != "AB" {
		t.Fatalf("concurrent inserts: got %q, want %q", got, "AB")
	}

	cx := mustInsert(t, a, 1, "xy")
	if got := a.Document().Text(); got != "AxyB" {
		t.Fatalf("Insert(1, %q) into %q produced %q, want %q", "xy", "AB", got, "AxyB")
	}
	if err := b.Receive(cx); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	cz := mustInsert(t, b, 3, "z")
	if err := a.Receive(cz); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	for _, e := range []*Editor{a, b} {
		if got := e.Document().Text(); got != "AxyzB" {
			t.Fatalf("%s: got %q, want %q", e.peer, got, "AxyzB")
		}
	}
}
