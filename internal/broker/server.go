// Package broker is the relay: it accepts endpoint connections addressed
// by session id, runs the role handshake and routes envelopes in a star
// around each session's host. It never looks past an envelope's type,
// except for the few lifecycle messages it enforces (session-stopped and
// kick-guest).
package broker

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pseudocoder/livesync/internal/directory"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/storage"
)

// channelBufferSize is the per-connection send buffer. A connection that
// falls this far behind is dropped.
const channelBufferSize = 256

// Config configures a Server. Zero values are replaced by NewServer.
type Config struct {
	// Addr is the host:port to listen on.
	Addr string

	// PublicURL identifies this broker as a session owner in the directory.
	PublicURL string

	// Directory enforces one host per session id across brokers.
	// Nil means an in-memory directory.
	Directory directory.Directory

	// Metrics receives operational counters. Nil disables them.
	Metrics storage.MetricsStore

	MessagesPerSecond int
	MessageBurst      int
	MaxMessageBytes   int64

	// HandshakeTimeout bounds the wait for role-identification.
	HandshakeTimeout time.Duration

	// KickGrace is how long a kicked guest keeps its connection so the
	// kick-guest envelope can reach it.
	KickGrace time.Duration

	// MetricsFlushInterval is how often routed-message counts are written.
	MetricsFlushInterval time.Duration
}

// Server is the relay broker.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	registry *Registry
	dir      directory.Directory
	routed   *routeCounters

	// mu protects clients, stopped, httpServer and listenAddr.
	mu         sync.RWMutex
	clients    map[*client]bool
	stopped    bool
	httpServer *http.Server
	listenAddr string
	tlsEnabled bool

	startTime time.Time
	flushStop chan struct{}
	flushDone chan struct{}
}

// NewServer returns a broker. Call StartAsync or StartAsyncTLS to serve.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7171"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "ws://" + cfg.Addr
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.NewMemory()
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 200
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 400
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 8 << 20
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.KickGrace <= 0 {
		cfg.KickGrace = 500 * time.Millisecond
	}
	if cfg.MetricsFlushInterval <= 0 {
		cfg.MetricsFlushInterval = 10 * time.Second
	}

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Endpoints are editors and CLIs, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry:  NewRegistry(),
		dir:       cfg.Directory,
		routed:    newRouteCounters(),
		clients:   make(map[*client]bool),
		startTime: time.Now(),
	}
}

// Registry exposes the session registry for inspection.
func (s *Server) Registry() *Registry { return s.registry }

// ClientCount returns the number of open connections, handshaken or not.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// newClient registers a freshly upgraded connection.
func (s *Server) newClient(conn *websocket.Conn, sessionID string) (*client, bool) {
	c := &client{
		conn:      conn,
		send:      make(chan []byte, channelBufferSize),
		done:      make(chan struct{}),
		server:    s,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst),
		sessionID: sessionID,
		addr:      conn.RemoteAddr().String(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	s.clients[c] = true
	return c, true
}

// handshake processes the first envelope of a connection. It returns
// false when the connection was rejected.
func (s *Server) handshake(c *client, data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.reject(c, err)
		return false
	}
	ident, ok := msg.(*protocol.RoleIdentification)
	if !ok {
		s.reject(c, apperrors.Unexpected("first message must be role-identification"))
		return false
	}
	if !ident.Role.Valid() {
		s.reject(c, apperrors.Malformed("unknown role "+string(ident.Role), nil))
		return false
	}

	id := ident.ParticipantID
	if role, ok := protocol.ParticipantRole(id); !ok || role != ident.Role {
		id = protocol.NewParticipantID(ident.Role)
	}
	c.role, c.id, c.name = ident.Role, id, ident.UserName

	switch ident.Role {
	case protocol.RoleHost:
		return s.registerHost(c)
	default:
		return s.registerGuest(c)
	}
}

func (s *Server) registerHost(c *client) bool {
	if err := s.registry.RegisterHost(c.sessionID, c); err != nil {
		s.reject(c, err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.dir.Claim(ctx, c.sessionID, s.cfg.PublicURL); err != nil {
		s.registry.RemoveHost(c.sessionID, c)
		s.reject(c, err)
		return false
	}

	c.deliverMsg(protocol.NewSessionCreated(c.sessionID, c.id))
	log.Printf("broker: session %s created by %s (%s)", c.sessionID, c.id, c.name)
	s.recordEvent(storage.EventSessionCreated, c.sessionID, c.id)
	return true
}

func (s *Server) registerGuest(c *client) bool {
	replaced, err := s.registry.RegisterGuest(c.sessionID, c)
	if err != nil {
		s.reject(c, err)
		return false
	}
	if replaced != nil {
		// Unauthenticated: any guest presenting a known id takes its place.
		prev := "unknown"
		if rc, ok := replaced.(*client); ok {
			prev = rc.addr
		}
		log.Printf("broker: %s reconnected to %s from %s, closing previous connection from %s", c.id, c.sessionID, c.addr, prev)
		replaced.close()
	}

	c.deliverMsg(protocol.NewSessionJoined(c.sessionID, c.id))

	joined, err := protocol.Encode(protocol.NewParticipantJoined(c.id, c.name))
	if err == nil {
		if host, ok := s.registry.Host(c.sessionID); ok {
			host.deliver(joined)
		}
		for _, g := range s.registry.Guests(c.sessionID, c.id) {
			g.deliver(joined)
		}
	}

	log.Printf("broker: %s (%s) joined %s", c.id, c.name, c.sessionID)
	s.recordEvent(storage.EventGuestJoined, c.sessionID, c.id)
	return true
}

// reject sends an error envelope and closes the connection once it is
// written.
func (s *Server) reject(c *client, err error) {
	code, _ := apperrors.ToCodeAndMessage(err)
	log.Printf("broker: rejected connection to %s: %v", c.sessionID, err)
	c.deliverMsg(protocol.NewError(err))
	c.closeSend()
	s.recordEvent(storage.EventRejected, c.sessionID, code)
}

// route forwards one envelope by the star rule.
func (s *Server) route(c *client, data []byte) {
	typ, err := protocol.Peek(data)
	if err != nil {
		log.Printf("broker: dropped envelope from %s: %v", c.id, err)
		return
	}

	switch typ {
	case protocol.TypeRoleIdentification:
		log.Printf("broker: dropped repeated role-identification from %s", c.id)
		return
	case protocol.TypeSessionStopped:
		if c.role == protocol.RoleHost {
			s.registry.MarkStopped(c.sessionID, c)
		}
	}

	targets := s.registry.Targets(c.sessionID, c)
	for _, t := range targets {
		t.deliver(data)
	}
	s.routed.add(string(typ))

	if typ == protocol.TypeKickGuest && c.role == protocol.RoleHost {
		s.enforceKick(c.sessionID, data)
	}
}

// enforceKick closes the targeted guest after the grace period, whether
// or not it honours the kick-guest it was just sent.
func (s *Server) enforceKick(sessionID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return
	}
	kick, ok := msg.(*protocol.KickGuest)
	if !ok || kick.ParticipantID == "" {
		return
	}

	target, ok := s.registry.Guest(sessionID, kick.ParticipantID)
	if !ok {
		return
	}
	log.Printf("broker: %s kicked from %s", kick.ParticipantID, sessionID)
	s.recordEvent(storage.EventGuestKicked, sessionID, kick.ParticipantID)
	time.AfterFunc(s.cfg.KickGrace, target.close)
}

// disconnect unregisters c and applies the teardown rules: a host takes
// its session and every guest with it, a guest only leaves.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	switch c.role {
	case protocol.RoleHost:
		guests, stopped, ok := s.registry.RemoveHost(c.sessionID, c)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.dir.Release(ctx, c.sessionID, s.cfg.PublicURL); err != nil {
			log.Printf("broker: release %s: %v", c.sessionID, err)
		}
		cancel()

		reason := "host stopped the session"
		if !stopped {
			reason = "host disconnected"
			if ended, err := protocol.Encode(protocol.NewSessionEnded(c.sessionID, reason)); err == nil {
				for _, g := range guests {
					g.deliver(ended)
				}
			}
		}
		for _, g := range guests {
			g.close()
		}
		log.Printf("broker: session %s ended (%s), %d guests closed", c.sessionID, reason, len(guests))
		s.recordEvent(storage.EventSessionEnded, c.sessionID, reason)

	case protocol.RoleGuest:
		if !s.registry.RemoveGuest(c.sessionID, c) {
			return
		}
		left, err := protocol.Encode(protocol.NewParticipantLeft(c.id, c.name))
		if err == nil {
			if host, ok := s.registry.Host(c.sessionID); ok {
				host.deliver(left)
			}
			for _, g := range s.registry.Guests(c.sessionID, c.id) {
				g.deliver(left)
			}
		}
		log.Printf("broker: %s left %s", c.id, c.sessionID)
		s.recordEvent(storage.EventGuestLeft, c.sessionID, c.id)
	}
}
