package session

import (
	"context"
	"log"
	"time"

	"github.com/pseudocoder/livesync/internal/delta"
	"github.com/pseudocoder/livesync/internal/editor"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/ownership"
	"github.com/pseudocoder/livesync/internal/participants"
	"github.com/pseudocoder/livesync/internal/presence"
	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/transport"
)

// Start hosts a new session under a freshly generated id and returns it.
func (e *Endpoint) Start(ctx context.Context) (string, error) {
	sessionID, err := protocol.NewSessionID()
	if err != nil {
		return "", err
	}
	if err := e.connect(ctx, protocol.RoleHost, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Join joins the session with the given code. Codes are normalized, so
// "qwe rty" and "QWE-RTY" name the same session.
func (e *Endpoint) Join(ctx context.Context, code string) error {
	sessionID, err := protocol.ParseSessionID(code)
	if err != nil {
		return err
	}
	return e.connect(ctx, protocol.RoleGuest, sessionID)
}

// connect runs Idle → Connecting → Active. On any failure the endpoint
// returns to Idle without scheduling a reload.
func (e *Endpoint) connect(ctx context.Context, role protocol.Role, sessionID string) error {
	if e.cfg.Dialer == nil || e.cfg.Editor == nil {
		return apperrors.Internal("endpoint has no dialer or editor", nil)
	}

	e.mu.Lock()
	if e.state != Idle {
		state := e.state
		e.mu.Unlock()
		return apperrors.Busy(state.String())
	}
	e.state = Connecting
	e.gen++
	gen := e.gen
	requestedID := e.ids[role]
	e.mu.Unlock()
	e.notifyState(Connecting)

	conn, localID, err := e.handshake(ctx, role, sessionID, requestedID)
	if err != nil {
		e.abortConnect(gen)
		if code := apperrors.GetCode(err); code == apperrors.CodeSessionConflict || code == apperrors.CodeSessionNotFound {
			e.notify(editor.LevelError, apperrors.GetMessage(err))
		}
		log.Printf("session: %s %s failed: %v", role, sessionID, err)
		return err
	}

	a := e.newActive(gen, role, sessionID, localID, conn)

	e.mu.Lock()
	if e.state != Connecting || e.gen != gen {
		// Stop was called while the handshake was in flight.
		e.mu.Unlock()
		a.close()
		return apperrors.NotActive("connect")
	}
	e.ids[role] = localID
	e.cur = a
	e.state = Active
	e.lastCause = nil
	e.backoff.Reset()
	e.cancelReloadLocked()
	e.mu.Unlock()
	e.notifyState(Active)

	log.Printf("session: %s %s active as %s", role, sessionID, localID)
	go e.readLoop(a)

	if role == protocol.RoleGuest {
		e.send(a, protocol.NewHelloGuest(localID, e.cfg.UserName))
	}
	return nil
}

func (e *Endpoint) abortConnect(gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.state != Connecting {
		e.mu.Unlock()
		return
	}
	e.state = Idle
	e.mu.Unlock()
	e.notifyState(Idle)
}

// handshake dials the relay, identifies and waits for the first reply.
func (e *Endpoint) handshake(ctx context.Context, role protocol.Role, sessionID, requestedID string) (*transport.Conn, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := e.cfg.Dialer.Dial(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if err := conn.Send(protocol.NewRoleIdentification(role, e.cfg.UserName, requestedID)); err != nil {
		conn.Close()
		return nil, "", apperrors.HandshakeFailed("send role-identification", err)
	}

	var data []byte
	select {
	case msg, ok := <-conn.Messages():
		if !ok {
			conn.Close()
			return nil, "", apperrors.HandshakeFailed("connection closed", conn.Err())
		}
		data = msg
	case <-ctx.Done():
		conn.Close()
		return nil, "", apperrors.HandshakeFailed("no reply", ctx.Err())
	}

	reply, err := protocol.Decode(data)
	if err != nil {
		conn.Close()
		return nil, "", apperrors.HandshakeFailed("unreadable reply", err)
	}

	var localID string
	switch m := reply.(type) {
	case *protocol.SessionCreated:
		if role == protocol.RoleHost {
			localID = m.ParticipantID
		}
	case *protocol.SessionJoined:
		if role == protocol.RoleGuest {
			localID = m.ParticipantID
		}
	case *protocol.Error:
		conn.Close()
		code := m.Code
		if code == "" {
			code = apperrors.CodeUnknown
		}
		return nil, "", apperrors.New(code, m.Message)
	}
	if localID == "" {
		conn.Close()
		return nil, "", apperrors.HandshakeFailed("unexpected reply", nil)
	}
	return conn, localID, nil
}

// newActive builds the per-session state. Nothing in it outlives the
// session.
func (e *Endpoint) newActive(gen uint64, role protocol.Role, sessionID, localID string, conn *transport.Conn) *active {
	ctx, cancel := context.WithCancel(context.Background())
	a := &active{
		gen:       gen,
		role:      role,
		sessionID: sessionID,
		localID:   localID,
		startedAt: time.Now(),
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		tracker:   ownership.NewTracker(),
		dir:       participants.NewDirectory(),
	}

	if role == protocol.RoleHost {
		a.policy = e.cfg.Policy
		a.perms = protocol.HostPermissions()
	}
	a.dir.Add(participants.Participant{
		ID:          localID,
		Name:        e.cfg.UserName,
		Role:        role,
		Permissions: a.perms,
	})

	dcfg := delta.Config{
		LocalID:        localID,
		UserName:       e.cfg.UserName,
		Role:           role,
		BatchWindow:    e.cfg.BatchWindow,
		ApplyTimeout:   e.cfg.ApplyTimeout,
		GuardGrace:     e.cfg.GuardGrace,
		DedupeCapacity: e.cfg.DedupeCapacity,
		Send:           func(m *protocol.FileChange) error { return conn.Send(m) },
		Editor:         e.cfg.Editor,
		Decorator:      e.cfg.Decorator,
		Ownership:      a.tracker,
		OnWarning:      func(err error) { e.warn(err) },
	}
	if role == protocol.RoleHost {
		dcfg.AcceptFrom = func(originID string) bool { return e.acceptFrom(a, originID) }
	} else {
		dcfg.CanTransmit = func() bool { return e.canEdit(a) }
	}
	a.engine = delta.New(dcfg)

	a.presence = presence.NewEngine(presence.Config{
		LocalID:     localID,
		UserName:    e.cfg.UserName,
		Debounce:    e.cfg.CursorDebounce,
		RedrawDelay: e.cfg.CursorDebounce,
		Send:        func(m *protocol.CursorPosition) { e.send(a, m) },
		Renderer:    e.cfg.Renderer,
	})
	return a
}

// close disposes of everything a session built.
func (a *active) close() {
	a.cancel()
	a.engine.Close()
	a.presence.Close()
	a.tracker.Clear()
	a.dir.Clear()
	a.conn.Close()
}

// acceptFrom decides on the host whether a guest's edits may be applied.
func (e *Endpoint) acceptFrom(a *active, originID string) bool {
	if _, blocked := a.dir.IsBlocked(originID); blocked {
		return false
	}
	if p, ok := a.dir.Get(originID); ok {
		return p.Permissions.CanEdit
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return a.policy.AllowGuestEdit
}

func (e *Endpoint) canEdit(a *active) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return a.perms.CanEdit
}

func (e *Endpoint) warn(err error) {
	if apperrors.IsCode(err, apperrors.CodePermissionDenied) {
		e.notify(editor.LevelWarning, "You are in read-only mode: your edits are not shared")
		return
	}
	e.notify(editor.LevelWarning, apperrors.GetMessage(err))
}

// send puts msg on the wire of a. Failures are logged; a dead connection
// is noticed by the read loop.
func (e *Endpoint) send(a *active, msg any) {
	if err := a.conn.Send(msg); err != nil {
		log.Printf("session: send: %v", err)
	}
}
