package broker

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/storage"
)

// Handler returns the broker's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.createMux()
}

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Session connections: /session/{id}
	mux.HandleFunc("/session/", s.handleSession)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/status", &StatusHandler{server: s})
	mux.Handle("/sessions/", &SessionHandler{server: s})
	return mux
}

// handleSession validates the session id in the path and upgrades the
// connection. The role handshake happens in readPump.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/session/"), "/")
	if raw == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	sessionID, err := protocol.ParseSessionID(raw)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broker: upgrade failed: %v", err)
		return
	}

	c, ok := s.newClient(conn, sessionID)
	if !ok {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	ListeningAddress string           `json:"listening_address"`
	PublicURL        string           `json:"public_url"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	TLSEnabled       bool             `json:"tls_enabled"`
	ActiveSessions   int              `json:"active_sessions"`
	ConnectedGuests  int              `json:"connected_guests"`
	Sessions         []SessionInfo    `json:"sessions"`
	Metrics          *storage.Summary `json:"metrics,omitempty"`
}

// StatusHandler serves broker status to local callers.
type StatusHandler struct {
	server *Server
}

// ServeHTTP answers GET /status from the local machine only.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.server
	sessions, guests := s.registry.Counts()
	resp := StatusResponse{
		ListeningAddress: s.Addr(),
		PublicURL:        s.cfg.PublicURL,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		TLSEnabled:       s.TLSEnabled(),
		ActiveSessions:   sessions,
		ConnectedGuests:  guests,
		Sessions:         s.registry.Sessions(),
	}
	if s.cfg.Metrics != nil {
		s.FlushMetrics()
		summary, err := s.cfg.Metrics.Summary(24 * time.Hour)
		if err != nil {
			log.Printf("metrics: summary: %v", err)
		} else {
			resp.Metrics = &summary
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// SessionLookup is returned by GET /sessions/{id}.
type SessionLookup struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
	Local     bool   `json:"local"`
	HostName  string `json:"host_name,omitempty"`
	Guests    int    `json:"guests"`
}

// SessionHandler tells a caller whether a session is live and which
// broker owns it.
type SessionHandler struct {
	server *Server
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	sessionID, err := protocol.ParseSessionID(raw)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	s := h.server
	resp := SessionLookup{SessionID: sessionID}
	if info, ok := s.registry.Lookup(sessionID); ok {
		resp.Owner = s.cfg.PublicURL
		resp.Local = true
		resp.HostName = info.HostName
		resp.Guests = len(info.GuestIDs)
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		owner, found, err := s.dir.Lookup(ctx, sessionID)
		if err != nil {
			log.Printf("broker: lookup %s: %v", sessionID, err)
			http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
			return
		}
		if !found {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		resp.Owner = owner
		resp.Local = owner == s.cfg.PublicURL
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// isLoopbackRequest reports whether the request comes from the local machine.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		log.Printf("broker: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
