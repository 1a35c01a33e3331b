// Package participants is an endpoint's view of who is in the session:
// display names, roles, permission sets and a block-list of kicked ids.
package participants

import (
	"sort"
	"sync"
	"time"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/protocol"
)

// Participant is one known member of the session.
type Participant struct {
	ID          string
	Name        string
	Role        protocol.Role
	Permissions protocol.Permissions
	JoinedAt    time.Time
	LastSeen    time.Time
}

// Directory is safe for concurrent use.
type Directory struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	// blocked holds ids removed by the host, with the kick reason. It
	// lives as long as the session.
	blocked map[string]string
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		participants: make(map[string]*Participant),
		blocked:      make(map[string]string),
	}
}

// Add records a participant. Adding a blocked id fails with
// participant.blocked. Adding a known id replaces its entry but keeps the
// original join time.
func (d *Directory) Add(p Participant) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, blocked := d.blocked[p.ID]; blocked {
		return apperrors.Blocked(p.ID)
	}

	now := time.Now()
	if prev, ok := d.participants[p.ID]; ok {
		p.JoinedAt = prev.JoinedAt
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeen = now
	d.participants[p.ID] = &p
	return nil
}

// Remove forgets a participant.
func (d *Directory) Remove(id string) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.participants[id]
	if !ok {
		return Participant{}, false
	}
	delete(d.participants, id)
	return *p, true
}

// Kick removes a participant and blocks the id for the rest of the
// session. The id is blocked even if it was not present.
func (d *Directory) Kick(id, reason string) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.blocked[id] = reason
	p, ok := d.participants[id]
	if !ok {
		return Participant{}, false
	}
	delete(d.participants, id)
	return *p, true
}

// IsBlocked reports whether id was kicked, and why.
func (d *Directory) IsBlocked(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reason, ok := d.blocked[id]
	return reason, ok
}

// Get returns a copy of the participant.
func (d *Directory) Get(id string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// List returns every participant, host first, then by join time.
func (d *Directory) List() []Participant {
	d.mu.RLock()
	out := make([]Participant, 0, len(d.participants))
	for _, p := range d.participants {
		out = append(out, *p)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role == protocol.RoleHost
		}
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of participants.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.participants)
}

// Touch updates the last-seen time.
func (d *Directory) Touch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.participants[id]; ok {
		p.LastSeen = time.Now()
	}
}

// SetPermission grants or revokes one permission and returns the
// updated participant.
func (d *Directory) SetPermission(id string, perm protocol.Permission, granted bool) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.participants[id]
	if !ok {
		return Participant{}, false
	}
	p.Permissions = p.Permissions.With(perm, granted)
	return *p, true
}

// Clear drops all participants and the block-list. Called on teardown.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants = make(map[string]*Participant)
	d.blocked = make(map[string]string)
}
