package broker

import (
	"sort"
	"sync"
	"time"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

// peer is a registered connection as the registry sees it.
type peer interface {
	participantID() string
	displayName() string

	// deliver queues an envelope for the peer. It returns false when the
	// peer is gone or too far behind to keep up.
	deliver(data []byte) bool

	// close ends the connection after queued envelopes are written.
	close()
}

type session struct {
	id        string
	host      peer
	guests    map[string]peer
	createdAt time.Time

	// stopped is set once the host announced session-stopped, so its
	// disconnect does not also produce session-ended.
	stopped bool
}

// SessionInfo is a read-only view of a registered session.
type SessionInfo struct {
	ID        string    `json:"session_id"`
	HostID    string    `json:"host_id"`
	HostName  string    `json:"host_name"`
	GuestIDs  []string  `json:"guest_ids"`
	CreatedAt time.Time `json:"created_at"`
	Stopped   bool      `json:"stopped"`
}

// Registry maps session ids to exactly one host and a set of guests.
// A session exists only while its host is registered.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// RegisterHost creates the session with host as its owner. A second host
// for a live id fails with session.conflict.
func (r *Registry) RegisterHost(id string, host peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return apperrors.SessionConflict(id)
	}
	r.sessions[id] = &session{
		id:        id,
		host:      host,
		guests:    make(map[string]peer),
		createdAt: time.Now(),
	}
	return nil
}

// RegisterGuest adds g to the session. If a connection with the same
// participant id is already registered it is replaced and returned so the
// caller can close it.
func (r *Registry) RegisterGuest(id string, g peer) (replaced peer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.SessionNotFound(id)
	}
	replaced = s.guests[g.participantID()]
	s.guests[g.participantID()] = g
	return replaced, nil
}

// RemoveGuest unregisters g. It reports false when g is not the current
// registration for its id (already removed or replaced).
func (r *Registry) RemoveGuest(id string, g peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.guests[g.participantID()] != g {
		return false
	}
	delete(s.guests, g.participantID())
	return true
}

// RemoveHost deletes the session owned by host and returns its guests.
func (r *Registry) RemoveHost(id string, host peer) (guests []peer, stopped bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.sessions[id]
	if !found || s.host != host {
		return nil, false, false
	}
	delete(r.sessions, id)
	for _, g := range s.guests {
		guests = append(guests, g)
	}
	return guests, s.stopped, true
}

// MarkStopped records that host announced a clean stop.
func (r *Registry) MarkStopped(id string, host peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.host == host {
		s.stopped = true
	}
}

// Targets applies the star routing rule: the host reaches every guest, a
// guest reaches only the host.
func (r *Registry) Targets(id string, from peer) []peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if s.host == from {
		out := make([]peer, 0, len(s.guests))
		for _, g := range s.guests {
			out = append(out, g)
		}
		return out
	}
	if s.guests[from.participantID()] == from {
		return []peer{s.host}
	}
	return nil
}

// Guests returns every guest of the session except the one with skipID.
func (r *Registry) Guests(id, skipID string) []peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]peer, 0, len(s.guests))
	for gid, g := range s.guests {
		if gid != skipID {
			out = append(out, g)
		}
	}
	return out
}

// Host returns the session host.
func (r *Registry) Host(id string) (peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.host, true
	}
	return nil, false
}

// Guest returns a guest by participant id.
func (r *Registry) Guest(id, participantID string) (peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		g, found := s.guests[participantID]
		return g, found
	}
	return nil, false
}

// Lookup returns a snapshot of one session.
func (r *Registry) Lookup(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Sessions returns snapshots of every session, oldest first.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts returns the number of sessions and of connected guests.
func (r *Registry) Counts() (sessions, guests int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		guests += len(s.guests)
	}
	return len(r.sessions), guests
}

func (s *session) info() SessionInfo {
	ids := make([]string, 0, len(s.guests))
	for id := range s.guests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return SessionInfo{
		ID:        s.id,
		HostID:    s.host.participantID(),
		HostName:  s.host.displayName(),
		GuestIDs:  ids,
		CreatedAt: s.createdAt,
		Stopped:   s.stopped,
	}
}
