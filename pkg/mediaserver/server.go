// Package mediaserver accepts telephony media-stream websocket connections.
// Each connection carries one call leg: inbound binary frames are caller
// audio handed to the registered handler, outbound binary frames are agent
// audio addressed by connection ID through the transport.Sender interface.
package mediaserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/voxbridge/go-voxbridge/internal/log"
	"github.com/voxbridge/go-voxbridge/pkg/store"
	"github.com/voxbridge/go-voxbridge/pkg/transport"
)

// Server is the media ingress. It implements transport.Sender so the
// playback engine can write agent audio back to a call leg.
type Server struct {
	// OnCallerAudio receives inbound caller audio frames.
	OnCallerAudio func(callID string, audio []byte)

	// OnCallStarted fires when a media leg connects.
	OnCallStarted func(callID, connectionID string)

	// OnCallEnded fires when a media leg disconnects.
	OnCallEnded func(callID string)

	app      *fiber.App
	addr     string
	logger   *slog.Logger
	sessions store.Store

	mu    sync.RWMutex
	conns map[string]*client
}

// NewServer creates a media server bound to the given session store.
func NewServer(addr string, sessions store.Store) *Server {
	s := &Server{
		addr:     addr,
		logger:   log.Component("mediaserver"),
		sessions: sessions,
		conns:    make(map[string]*client),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voxbridge media",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)
	app.Get("/calls", s.handleCalls)

	app.Use("/media", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/media/:call_id", websocket.New(s.handleMedia))

	s.app = app
	return s
}

// Start serves until Shutdown. Blocking.
func (s *Server) Start() error {
	s.logger.Info("media server listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown stops the server and closes all media legs.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	for id, c := range s.conns {
		close(c.send)
		delete(s.conns, id)
	}
	s.mu.Unlock()
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "calls": s.ClientCount()})
}

func (s *Server) handleCalls(c *fiber.Ctx) error {
	s.mu.RLock()
	calls := make([]fiber.Map, 0, len(s.conns))
	for id, cl := range s.conns {
		calls = append(calls, fiber.Map{
			"call_id":       cl.callID,
			"connection_id": id,
		})
	}
	s.mu.RUnlock()
	return c.JSON(calls)
}

// handleMedia owns one media leg for its lifetime. The read pump runs on the
// handler goroutine; fiber's websocket handler must not return before the
// connection is done.
func (s *Server) handleMedia(conn *websocket.Conn) {
	callID := conn.Params("call_id")
	if callID == "" {
		conn.Close()
		return
	}
	connectionID := uuid.NewString()

	cl := newClient(s, conn, connectionID, callID)
	s.register(cl)
	defer s.unregister(cl)

	s.sessions.Upsert(&store.CallSession{
		CallID:       callID,
		ConnectionID: connectionID,
		StartedAt:    time.Now(),
	})
	s.logger.Info("media leg connected", "call_id", callID, "connection_id", connectionID)
	if s.OnCallStarted != nil {
		s.OnCallStarted(callID, connectionID)
	}

	cl.run()

	s.logger.Info("media leg disconnected", "call_id", callID, "connection_id", connectionID)
	s.sessions.Delete(callID)
	if s.OnCallEnded != nil {
		s.OnCallEnded(callID)
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; ok {
		delete(s.conns, c.id)
		close(c.send)
	}
	s.mu.Unlock()
}

// Send enqueues agent audio for the media leg identified by connectionID.
// A full send buffer means the leg is too slow to keep up with real time;
// the frame is dropped and the failure reported to the caller.
func (s *Server) Send(connectionID string, payload []byte) bool {
	s.mu.RLock()
	c, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case c.send <- buf:
		return true
	default:
		s.logger.Warn("media leg send buffer full", "call_id", c.callID)
		return false
	}
}

// Kind reports that this transport needs engine-paced fixed-size frames.
func (s *Server) Kind() transport.Kind {
	return transport.KindFramed
}

// Hangup closes every media leg belonging to the call. The read pump
// observes the closed socket and runs the normal disconnect path.
func (s *Server) Hangup(callID string) {
	s.mu.RLock()
	var victims []*client
	for _, c := range s.conns {
		if c.callID == callID {
			victims = append(victims, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range victims {
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// ClientCount returns the number of connected media legs.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
