// Package session is the endpoint lifecycle controller. An Endpoint hosts
// or joins one session at a time over the relay and moves through
// Idle → Connecting → Active → Stopping → Idle.
//
// While Active it owns the per-session sync state: the delta engine, the
// presence engine, the ownership tracker and the participant directory.
// All of it is built when the handshake succeeds and dropped on teardown,
// so nothing leaks from one session into the next. Teardowns that were not
// asked for by the caller schedule an environment reload, spaced out by an
// exponential backoff.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/pseudocoder/livesync/internal/delta"
	"github.com/pseudocoder/livesync/internal/editor"
	"github.com/pseudocoder/livesync/internal/ownership"
	"github.com/pseudocoder/livesync/internal/participants"
	"github.com/pseudocoder/livesync/internal/presence"
	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/transport"
)

// State is the endpoint lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// Dialer opens a relay connection for a session id.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (*transport.Conn, error)
}

// Decider answers a guest's permission request on the host.
type Decider func(p participants.Participant, perm protocol.Permission) bool

// Default timings, matching the [endpoint] config defaults.
const (
	DefaultBatchWindow      = 30 * time.Millisecond
	DefaultCursorDebounce   = 50 * time.Millisecond
	DefaultApplyTimeout     = time.Second
	DefaultGuardGrace       = 50 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReloadInitial    = time.Second
	DefaultReloadMax        = 30 * time.Second
)

// Config configures an Endpoint.
type Config struct {
	UserName string
	Dialer   Dialer

	// Editor is the editing surface. Decorator, Renderer and Notifier are
	// optional; when nil they are taken from Editor if it implements them.
	Editor    editor.Integration
	Decorator editor.Decorator
	Renderer  presence.Renderer
	Notifier  editor.Notifier

	// Policy is the guest policy of sessions this endpoint hosts.
	Policy protocol.Policy

	// Decider answers permission requests when hosting. Nil grants what
	// Policy allows.
	Decider Decider

	// WorkspaceName and WorkspacePath describe the shared folder to guests.
	WorkspaceName string
	WorkspacePath string

	// RequestAllFiles makes a guest request every file of the workspace
	// tree when it first receives it.
	RequestAllFiles bool

	BatchWindow      time.Duration
	CursorDebounce   time.Duration
	ApplyTimeout     time.Duration
	GuardGrace       time.Duration
	DedupeCapacity   int
	HandshakeTimeout time.Duration

	ReloadInitial time.Duration
	ReloadMax     time.Duration

	// Reload resets the environment after an unexpected teardown. Nil
	// calls Editor.Reload when the editor has one.
	Reload func(cause error)

	// OnStateChange observes every transition. Called without locks held.
	OnStateChange func(State)
}

func (c Config) withDefaults() Config {
	if c.UserName == "" {
		c.UserName = "anonymous"
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.CursorDebounce <= 0 {
		c.CursorDebounce = DefaultCursorDebounce
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.GuardGrace <= 0 {
		c.GuardGrace = DefaultGuardGrace
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReloadInitial <= 0 {
		c.ReloadInitial = DefaultReloadInitial
	}
	if c.ReloadMax < c.ReloadInitial {
		c.ReloadMax = DefaultReloadMax
		if c.ReloadMax < c.ReloadInitial {
			c.ReloadMax = c.ReloadInitial
		}
	}
	if c.Decorator == nil {
		if d, ok := c.Editor.(editor.Decorator); ok {
			c.Decorator = d
		}
	}
	if c.Renderer == nil {
		if r, ok := c.Editor.(presence.Renderer); ok {
			c.Renderer = r
		}
	}
	if c.Notifier == nil {
		if n, ok := c.Editor.(editor.Notifier); ok {
			c.Notifier = n
		}
	}
	if c.Decider == nil {
		policy := c.Policy
		c.Decider = func(_ participants.Participant, perm protocol.Permission) bool {
			return policy.Allows(perm)
		}
	}
	return c
}

// active is the state of one live session. It is replaced wholesale on
// every handshake and never reused.
type active struct {
	gen       uint64
	role      protocol.Role
	sessionID string
	localID   string
	startedAt time.Time

	conn     *transport.Conn
	cancel   context.CancelFunc
	ctx      context.Context
	engine   *delta.Engine
	presence *presence.Engine
	tracker  *ownership.Tracker
	dir      *participants.Directory

	// Guarded by Endpoint.mu.
	policy    protocol.Policy
	perms     protocol.Permissions
	workspace *protocol.WorkspaceData
}

// Endpoint hosts or joins sessions. It is safe for concurrent use.
type Endpoint struct {
	cfg Config

	mu    sync.Mutex
	state State
	cur   *active
	gen   uint64
	// ids keeps one participant id per role so a reconnect is recognized.
	ids map[protocol.Role]string

	backoff     *backoff.ExponentialBackOff
	reloadTimer *time.Timer
	reloads     int
	lastCause   error

	quit      chan struct{}
	quitOnce  sync.Once
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// New returns an idle endpoint and starts forwarding the editor's local
// notifications to whichever session is active.
func New(cfg Config) *Endpoint {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReloadInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.ReloadMax
	b.MaxElapsedTime = 0
	b.Reset()

	e := &Endpoint{
		cfg:      cfg,
		ids:      make(map[protocol.Role]string),
		backoff:  b,
		quit:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go e.pumpLocal()
	return e
}

// pumpLocal feeds local edits and selections to the active session.
// Outside a session they are discarded.
func (e *Endpoint) pumpLocal() {
	defer close(e.pumpDone)
	if e.cfg.Editor == nil {
		<-e.quit
		return
	}
	changes := e.cfg.Editor.LocalChanges()
	selections := e.cfg.Editor.LocalSelections()

	for changes != nil || selections != nil {
		select {
		case <-e.quit:
			return
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if a := e.current(); a != nil {
				a.engine.CaptureLocal(ch.Path, ch.Changes)
			}
		case sel, ok := <-selections:
			if !ok {
				selections = nil
				continue
			}
			if a := e.current(); a != nil {
				a.presence.LocalSelection(sel.Path, sel.Position)
			}
		}
	}
	<-e.quit
}

func (e *Endpoint) current() *active {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Active {
		return nil
	}
	return e.cur
}

// notifyState reports a transition. Callers must not hold mu.
func (e *Endpoint) notifyState(s State) {
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(s)
	}
}

func (e *Endpoint) notify(level editor.Level, message string) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Notify(level, message)
	}
}

// State returns the lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the active session id, or "".
func (e *Endpoint) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ""
	}
	return e.cur.sessionID
}

// Role returns the role of the active session, or "".
func (e *Endpoint) Role() protocol.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ""
	}
	return e.cur.role
}

// ParticipantID returns the id used in the active session, or "".
func (e *Endpoint) ParticipantID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ""
	}
	return e.cur.localID
}

// Permissions returns this endpoint's own permission set.
func (e *Endpoint) Permissions() protocol.Permissions {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return protocol.Permissions{}
	}
	return e.cur.perms
}

// Policy returns the session policy in force.
func (e *Endpoint) Policy() protocol.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return protocol.Policy{}
	}
	return e.cur.policy
}

// Workspace returns the workspace description received from the host.
func (e *Endpoint) Workspace() (protocol.WorkspaceData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.workspace == nil {
		return protocol.WorkspaceData{}, false
	}
	return *e.cur.workspace, true
}

// Participants lists the known members of the active session.
func (e *Endpoint) Participants() []participants.Participant {
	a := e.current()
	if a == nil {
		return nil
	}
	return a.dir.List()
}

// Ownership returns the author blocks of path in the active session.
func (e *Endpoint) Ownership(path string) []ownership.Block {
	a := e.current()
	if a == nil {
		return nil
	}
	return a.tracker.Blocks(path)
}

// Cursors returns the remote cursors in path.
func (e *Endpoint) Cursors(path string) []presence.Cursor {
	a := e.current()
	if a == nil {
		return nil
	}
	return a.presence.Cursors(path)
}

// SyncedFiles returns the number of files with sync state.
func (e *Endpoint) SyncedFiles() int {
	a := e.current()
	if a == nil {
		return 0
	}
	return a.engine.Files()
}

// WaitIdle blocks until every queued remote apply has finished.
func (e *Endpoint) WaitIdle(ctx context.Context) error {
	a := e.current()
	if a == nil {
		return nil
	}
	return a.engine.WaitIdle(ctx)
}

// PendingReload reports whether a recovery reload is scheduled.
func (e *Endpoint) PendingReload() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloadTimer != nil
}

// Reloads returns how many recovery reloads have run.
func (e *Endpoint) Reloads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloads
}

// LastCause returns why the previous session ended, or nil after a clean
// stop.
func (e *Endpoint) LastCause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCause
}

// Close stops any session, cancels a pending reload and stops the local
// notification pump.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.Stop()
		e.quitOnce.Do(func() { close(e.quit) })
		<-e.pumpDone
	})
}
