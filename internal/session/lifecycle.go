package session

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/pseudocoder/livesync/internal/editor"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/protocol"
)

// Stop ends the session cleanly. Pending batches are flushed, the other
// side is told, and no reload is scheduled. When idle, Stop cancels a
// pending reload.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	switch e.state {
	case Idle:
		e.cancelReloadLocked()
		e.mu.Unlock()
		return nil
	case Connecting:
		// connect notices the state change once the handshake returns.
		e.state = Idle
		e.cancelReloadLocked()
		e.mu.Unlock()
		e.notifyState(Idle)
		return nil
	case Stopping:
		e.mu.Unlock()
		return nil
	}
	a := e.cur
	e.mu.Unlock()

	a.engine.FlushAll()
	if a.role == protocol.RoleHost {
		e.send(a, protocol.NewSessionStopped(a.sessionID, true, true))
	} else {
		e.send(a, protocol.NewGuestLeft(a.localID, e.cfg.UserName))
	}
	e.teardown(a, nil, false)

	e.mu.Lock()
	e.cancelReloadLocked()
	e.mu.Unlock()
	return nil
}

// teardown runs Active → Stopping → Idle for a. It is a no-op when a is
// no longer the live session.
func (e *Endpoint) teardown(a *active, cause error, reload bool) {
	e.mu.Lock()
	if e.cur != a || e.state != Active {
		e.mu.Unlock()
		return
	}
	e.state = Stopping
	e.mu.Unlock()
	e.notifyState(Stopping)

	if cause != nil {
		log.Printf("session: %s ended: %v", a.sessionID, cause)
	} else {
		log.Printf("session: %s stopped", a.sessionID)
	}
	a.close()
	e.clearSurface()

	e.mu.Lock()
	e.cur = nil
	e.state = Idle
	e.lastCause = cause
	if reload {
		e.scheduleReloadLocked(cause)
	}
	e.mu.Unlock()
	e.notifyState(Idle)
}

// clearSurface removes decorations and cursors the session drew.
func (e *Endpoint) clearSurface() {
	if d, ok := e.cfg.Editor.(interface{ Documents() []string }); ok {
		for _, path := range d.Documents() {
			if e.cfg.Decorator != nil {
				e.cfg.Decorator.RefreshDecorations(path, nil)
			}
			if e.cfg.Renderer != nil {
				e.cfg.Renderer.RenderCursors(path, nil)
			}
		}
	}
}

// scheduleReloadLocked arms the recovery reload after the next backoff
// delay. At most one reload is pending.
func (e *Endpoint) scheduleReloadLocked(cause error) {
	if e.reloadTimer != nil {
		return
	}
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = e.cfg.ReloadMax
	}
	log.Printf("session: reload scheduled in %v", delay)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.reloadTimer != t {
			e.mu.Unlock()
			return
		}
		e.reloadTimer = nil
		e.reloads++
		e.mu.Unlock()
		e.runReload(cause)
	})
	e.reloadTimer = t
}

func (e *Endpoint) cancelReloadLocked() {
	if e.reloadTimer != nil {
		e.reloadTimer.Stop()
		e.reloadTimer = nil
		log.Printf("session: pending reload cancelled")
	}
}

func (e *Endpoint) runReload(cause error) {
	log.Printf("session: reloading environment (cause: %v)", cause)
	if e.cfg.Reload != nil {
		e.cfg.Reload(cause)
		return
	}
	if r, ok := e.cfg.Editor.(interface{ Reload() }); ok {
		r.Reload()
	}
}

// OpenDocument opens path in the editor. A host announces it to guests; a
// guest asks the host for the content.
func (e *Endpoint) OpenDocument(ctx context.Context, path string) (editor.Handle, error) {
	_, wasOpen := e.cfg.Editor.Lookup(path)
	h, err := e.cfg.Editor.OpenOrCreateDocument(ctx, path)
	if err != nil {
		return "", err
	}
	a := e.current()
	if a == nil {
		return h, nil
	}
	switch {
	case a.role == protocol.RoleHost:
		e.send(a, protocol.NewOpenFile(h.Path()))
	case !wasOpen:
		e.send(a, protocol.NewRequestFileContent(h.Path(), a.localID))
	}
	return h, nil
}

// Kick removes a guest from the hosted session and blocks its id for the
// rest of the session.
func (e *Endpoint) Kick(participantID, reason string) error {
	a := e.current()
	if a == nil {
		return apperrors.NotActive("kick")
	}
	if a.role != protocol.RoleHost {
		return apperrors.PermissionDenied("kick")
	}
	if participantID == a.localID {
		return apperrors.Internal("host cannot kick itself", nil)
	}
	a.dir.Kick(participantID, reason)
	a.presence.RemoveParticipant(participantID)
	return a.conn.Send(protocol.NewKickGuest(participantID, reason))
}

// RequestPermission asks the host for perm.
func (e *Endpoint) RequestPermission(perm protocol.Permission) error {
	if !perm.Valid() {
		return apperrors.Malformed("unknown permission "+string(perm), nil)
	}
	a := e.current()
	if a == nil {
		return apperrors.NotActive("request permission")
	}
	if a.role != protocol.RoleGuest {
		return nil
	}
	return a.conn.Send(protocol.NewPermissionRequest(a.localID, perm))
}
