// Package transport binds WebSocket connections to room sessions and serves
// the HTTP surface around them.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/roomsync/internal/room"
)

// Options tune connection handling.
type Options struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	// AllowedOrigins restricts the Origin header on upgrade. Empty allows all.
	AllowedOrigins []string
}

// DefaultOptions mirrors the usual gorilla/websocket settings.
func DefaultOptions() Options {
	return Options{
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingInterval:    54 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

// Server upgrades HTTP requests and runs one session per connection.
type Server struct {
	registry *room.Registry
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	pumps    sync.WaitGroup
}

// NewServer returns a Server joining connections into registry rooms.
func NewServer(registry *room.Registry, opts Options, logger *slog.Logger) *Server {
	def := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = def.PongTimeout
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongTimeout {
		opts.PingInterval = opts.PongTimeout * 9 / 10
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}
	s := &Server{registry: registry, opts: opts, log: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeWS handles GET /ws?room=<name>.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("room")
	if name == "" {
		name = room.DefaultRoom
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sess, err := s.registry.Join(name)
	if err != nil {
		s.log.Error("join failed", "room", name, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
		conn.Close()
		return
	}
	sess.Logger().Info("client connected", "remote", r.RemoteAddr)

	c := &client{conn: conn, sess: sess, opts: s.opts}
	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		c.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		c.readPump()
	}()
}

// Drain waits until every connection pump has exited or ctx is done. Call it
// after the sessions have been closed so close frames get flushed.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// client pumps frames between one connection and its session. Exactly one
// goroutine writes data frames.
type client struct {
	conn *websocket.Conn
	sess *room.Session
	opts Options
}

func (c *client) readPump() {
	defer c.sess.Close()
	log := c.sess.Logger()

	c.conn.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("client connection error", "error", err)
			} else {
				log.Info("client disconnected", "reason", err)
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			c.sess.HandleMessage(data)
		default:
			log.Debug("non-text frame ignored", "type", mt, "bytes", len(data))
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	log := c.sess.Logger()
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.sess.Close()
	}()
	for {
		select {
		case msg := <-c.sess.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn("error writing message to client", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn("ping failed", "error", err)
				return
			}
		case <-c.sess.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			return
		}
	}
}
