// Package directory tracks which broker owns each live session id.
//
// A single broker only needs the in-memory directory. When several broker
// replicas sit behind one address, the Redis directory makes the
// one-host-per-session rule hold across all of them: the first broker to
// claim an id owns it until the host disconnects.
package directory

import (
	"context"
	"sync"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

// Directory maps session ids to the broker that owns them.
type Directory interface {
	// Claim registers owner for sessionID. Claiming an id held by a
	// different owner fails with a session.conflict error; re-claiming
	// your own id is a no-op.
	Claim(ctx context.Context, sessionID, owner string) error

	// Release drops the claim if owner still holds it.
	Release(ctx context.Context, sessionID, owner string) error

	// Lookup returns the owner of sessionID, if any.
	Lookup(ctx context.Context, sessionID string) (owner string, ok bool, err error)

	Close() error
}

// Memory is a process-local Directory.
type Memory struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

func (m *Memory) Claim(_ context.Context, sessionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.owners[sessionID]; ok && cur != owner {
		return apperrors.SessionConflict(sessionID)
	}
	m.owners[sessionID] = owner
	return nil
}

func (m *Memory) Release(_ context.Context, sessionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owners[sessionID] == owner {
		delete(m.owners, sessionID)
	}
	return nil
}

func (m *Memory) Lookup(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[sessionID]
	return owner, ok, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
