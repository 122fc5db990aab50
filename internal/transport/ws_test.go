package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/roomsync/internal/codec"
	"collabtext/roomsync/internal/crdt"
	"collabtext/roomsync/internal/room"
)

func newTestServer(t *testing.T) (*httptest.Server, *room.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := room.NewRegistry(room.DefaultPolicy(), room.WithLogger(logger))
	srv := NewServer(reg, DefaultOptions(), logger)
	ts := httptest.NewServer(srv.NewRouter(""))
	t.Cleanup(func() {
		reg.CloseAll()
		ts.Close()
	})
	return ts, reg
}

func dial(t *testing.T, ts *httptest.Server, roomName string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?room=" + roomName
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	readType(t, conn, codec.TypeWelcome)
	readType(t, conn, codec.TypeSnapshot)
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read %s: %v", want, err)
	}
	var env codec.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != want {
		t.Fatalf("got %q message, want %q: %s", env.Type, want, data)
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWebSocket_RelayBetweenClients(t *testing.T) {
	ts, reg := newTestServer(t)
	a, b, c := dial(t, ts, "doc1"), dial(t, ts, "doc1"), dial(t, ts, "doc1")

	editor := crdt.NewEditor("client-a")
	raw, err := editor.Insert(0, "hello")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	msg := codec.ChangeMessage{Type: codec.TypeChanges, Room: "doc1", Changes: codec.EncodeChanges([][]byte{raw})}
	if err := a.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, conn := range []*websocket.Conn{b, c} {
		var rb codec.Rebroadcast
		if err := json.Unmarshal(readType(t, conn, codec.TypeChanges), &rb); err != nil {
			t.Fatalf("decode: %v", err)
		}
		d := codec.DecodeChanges(rb.Changes)
		replica := crdt.New()
		replica.ApplyChanges(d.Raw)
		if replica.Text() != "hello" {
			t.Fatalf("replica: %q", replica.Text())
		}
	}
	r, ok := reg.Lookup("doc1")
	if !ok || r.Text() != "hello" {
		t.Fatal("room document not updated")
	}
}

func TestWebSocket_CloseDeregisters(t *testing.T) {
	ts, reg := newTestServer(t)
	a := dial(t, ts, "doc1")
	b := dial(t, ts, "doc1")
	r, _ := reg.Lookup("doc1")
	waitFor(t, "two members", func() bool { return r.Members() == 2 })

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := b.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "member removal", func() bool { return r.Members() == 1 })

	// An abrupt drop without a close frame is detected too.
	a.UnderlyingConn().Close()
	waitFor(t, "abrupt removal", func() bool { return r.Members() == 0 })
	if reg.Sessions() != 0 {
		t.Fatalf("sessions: %d", reg.Sessions())
	}
}

func TestHTTP_SnapshotEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/rooms/ghost/snapshot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown room: status %d", resp.StatusCode)
	}

	conn := dial(t, ts, "doc1")
	other := crdt.NewEditor("uploader")
	if _, err := other.Insert(0, "seed"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/rooms/doc1/snapshot", bytes.NewReader(other.Document().Save()))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put: status %d", resp.StatusCode)
	}

	var snap codec.SnapshotMessage
	if err := json.Unmarshal(readType(t, conn, codec.TypeSnapshot), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	doc, err := crdt.Load(snap.Data)
	if err != nil || doc.Text() != "seed" {
		t.Fatalf("resync snapshot: %v", err)
	}

	resp, err = http.Get(ts.URL + "/rooms/doc1/snapshot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if got, err := crdt.Load(body); err != nil || got.Text() != "seed" {
		t.Fatalf("downloaded snapshot: %v", err)
	}
}

func TestHTTP_RoomsAndHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	dial(t, ts, "alpha")

	resp, err := http.Get(ts.URL + "/rooms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id")
	}
	var stats []room.RoomStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 1 || stats[0].Name != "alpha" || stats[0].Members != 1 || stats[0].State != room.StateActive {
		t.Fatalf("stats: %+v", stats)
	}

	hresp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", hresp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := NewServer(nil, Options{AllowedOrigins: []string{"https://ok.example"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if srv.checkOrigin(req) {
		t.Fatal("foreign origin allowed")
	}
	req.Header.Set("Origin", "https://ok.example")
	if !srv.checkOrigin(req) {
		t.Fatal("listed origin refused")
	}
}

func TestHTTP_CorruptSnapshotRejected(t *testing.T) {
	ts, reg := newTestServer(t)
	conn := dial(t, ts, "doc1")
	seed := crdt.NewEditor("seeder")
	raw, err := seed.Insert(0, "keep")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if n, err := reg.ApplyChanges("doc1", codec.EncodeChanges([][]byte{raw})); err != nil || n != 1 {
		t.Fatalf("ApplyChanges = %d, %v", n, err)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/rooms/doc1/snapshot", strings.NewReader("not a snapshot"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("corrupt put: status %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	rm, ok := reg.Lookup("doc1")
	if !ok || rm.Text() != "keep" {
		t.Fatalf("document changed by rejected upload")
	}

	// The members see the seed broadcast and nothing else.
	readType(t, conn, codec.TypeChanges)
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected message after rejected upload: %s", data)
	}
}

func TestServer_DrainFlushesCloseFrames(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := room.NewRegistry(room.DefaultPolicy(), room.WithLogger(logger))
	srv := NewServer(reg, DefaultOptions(), logger)
	ts := httptest.NewServer(srv.NewRouter(""))
	defer ts.Close()

	conn := dial(t, ts, "doc1")
	reg.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal close frame, got %v", err)
	}
}
