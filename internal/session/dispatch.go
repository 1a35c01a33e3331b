package session

import (
	"fmt"
	"log"
	"strings"

	"github.com/pseudocoder/livesync/internal/editor"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/participants"
	"github.com/pseudocoder/livesync/internal/protocol"
)

// readLoop dispatches inbound envelopes until the connection ends, then
// tears the session down with a reload.
func (e *Endpoint) readLoop(a *active) {
	for data := range a.conn.Messages() {
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("session: dropped envelope: %v", err)
			continue
		}
		if a.role == protocol.RoleHost {
			e.dispatchHost(a, msg)
		} else {
			e.dispatchGuest(a, msg)
		}
		if e.current() != a {
			return
		}
	}
	e.teardown(a, apperrors.TransportClosed(a.conn.Err()), true)
}

func (e *Endpoint) dispatchHost(a *active, msg any) {
	switch m := msg.(type) {
	case *protocol.FileChange:
		a.dir.Touch(m.OriginID)
		e.applyRemote(a, m)

	case *protocol.CursorPosition:
		a.dir.Touch(m.ParticipantID)
		a.presence.HandleRemote(m)
		// Guests only hear each other through the host.
		e.send(a, m)

	case *protocol.HelloGuest:
		if e.rekick(a, m.GuestID) {
			return
		}
		a.engine.ForgetSender(m.GuestID)
		e.addGuest(a, m.GuestID, m.UserName)
		e.sendWorkspaceInfo(a)

	case *protocol.ParticipantJoined:
		if e.rekick(a, m.ParticipantID) {
			return
		}
		a.engine.ForgetSender(m.ParticipantID)
		e.addGuest(a, m.ParticipantID, m.UserName)

	case *protocol.RequestWorkspaceInfo:
		e.sendWorkspaceInfo(a)

	case *protocol.RequestFileContent:
		e.serveFile(a, m.FilePath, m.RequesterID)

	case *protocol.PermissionRequest:
		e.decidePermission(a, m)

	case *protocol.GuestLeft:
		e.removeParticipant(a, m.ParticipantID)

	case *protocol.ParticipantLeft:
		e.removeParticipant(a, m.ParticipantID)

	case *protocol.KickGuest:
		log.Printf("session: ignored kick-guest from a guest")

	case *protocol.Error:
		log.Printf("session: relay error %s: %s", m.Code, m.Message)

	default:
		log.Printf("session: host ignored %T", msg)
	}
}

func (e *Endpoint) dispatchGuest(a *active, msg any) {
	switch m := msg.(type) {
	case *protocol.FileChange:
		e.applyRemote(a, m)

	case *protocol.CursorPosition:
		a.presence.HandleRemote(m)

	case *protocol.WorkspaceInfo:
		e.receiveWorkspace(a, m.Data)

	case *protocol.FileContent:
		if m.TargetID != "" && m.TargetID != a.localID {
			return
		}
		e.receiveSnapshot(a, m.Data)

	case *protocol.OpenFile:
		if _, ok := e.cfg.Editor.Lookup(m.FilePath); !ok {
			e.send(a, protocol.NewRequestFileContent(m.FilePath, a.localID))
		}

	case *protocol.PermissionResponse:
		e.receivePermission(a, m)

	case *protocol.ParticipantJoined:
		a.engine.ForgetSender(m.ParticipantID)
		if _, ok := a.dir.Get(m.ParticipantID); !ok {
			a.dir.Add(participants.Participant{
				ID:   m.ParticipantID,
				Name: m.UserName,
				Role: protocol.RoleGuest,
			})
		}

	case *protocol.ParticipantLeft:
		e.removeParticipant(a, m.ParticipantID)

	case *protocol.KickGuest:
		if m.ParticipantID == a.localID {
			e.notify(editor.LevelError, kickMessage(m.Reason))
			e.teardown(a, apperrors.Kicked(m.Reason), true)
			return
		}
		a.dir.Kick(m.ParticipantID, m.Reason)
		a.presence.RemoveParticipant(m.ParticipantID)

	case *protocol.SessionStopped:
		e.notify(editor.LevelInfo, "The host stopped the session")
		e.teardown(a, apperrors.New(apperrors.CodeSessionNotActive, "host stopped the session"), m.ShouldReload)

	case *protocol.SessionEnded:
		reason := m.Reason
		if reason == "" {
			reason = "session ended"
		}
		e.notify(editor.LevelWarning, "Session ended: "+reason)
		e.teardown(a, apperrors.New(apperrors.CodeSessionNotActive, reason), true)

	case *protocol.Error:
		log.Printf("session: relay error %s: %s", m.Code, m.Message)
		e.notify(editor.LevelError, m.Message)

	default:
		log.Printf("session: guest ignored %T", msg)
	}
}

func kickMessage(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return "You were removed from the session"
	}
	return "You were removed from the session: " + reason
}

// applyRemote hands a change message to the engine. Drops are routine and
// only logged.
func (e *Endpoint) applyRemote(a *active, m *protocol.FileChange) {
	if err := a.engine.HandleRemote(m); err != nil {
		if apperrors.IsDrop(err) {
			return
		}
		log.Printf("session: change %s from %s not applied: %v", m.MessageID, m.OriginID, err)
	}
}

// rekick answers a blocked id with a fresh kick-guest.
func (e *Endpoint) rekick(a *active, id string) bool {
	reason, blocked := a.dir.IsBlocked(id)
	if !blocked {
		return false
	}
	log.Printf("session: %s was kicked earlier, kicking again", id)
	e.send(a, protocol.NewKickGuest(id, reason))
	return true
}

// addGuest records a guest with the policy's default permissions. A guest
// already known keeps what it was granted.
func (e *Endpoint) addGuest(a *active, id, name string) {
	if id == "" {
		return
	}
	if p, ok := a.dir.Get(id); ok {
		if name != "" && name != p.Name {
			p.Name = name
			a.dir.Add(p)
		}
		return
	}
	e.mu.Lock()
	perms := a.policy.GuestPermissions()
	e.mu.Unlock()
	if err := a.dir.Add(participants.Participant{ID: id, Name: name, Role: protocol.RoleGuest, Permissions: perms}); err != nil {
		log.Printf("session: add %s: %v", id, err)
	}
}

// removeParticipant drops a departed member. Its sequence numbers go
// with it since a rejoin numbers its changes from 1 again.
func (e *Endpoint) removeParticipant(a *active, id string) {
	if p, ok := a.dir.Remove(id); ok {
		log.Printf("session: %s (%s) left", p.Name, id)
	}
	a.presence.RemoveParticipant(id)
	a.engine.ForgetSender(id)
}

func (e *Endpoint) sendWorkspaceInfo(a *active) {
	tree, err := e.cfg.Editor.ListDirectory("")
	if err != nil {
		log.Printf("session: list workspace: %v", err)
	}
	e.mu.Lock()
	policy := a.policy
	e.mu.Unlock()

	e.send(a, protocol.NewWorkspaceInfo(protocol.WorkspaceData{
		Name:           e.cfg.WorkspaceName,
		Path:           e.cfg.WorkspacePath,
		Tree:           tree,
		Permissions:    policy,
		SessionStartMs: a.startedAt.UnixMilli(),
		HostID:         a.localID,
		HostName:       e.cfg.UserName,
	}))
}

// serveFile sends a snapshot of path, addressed to requesterID when set.
func (e *Endpoint) serveFile(a *active, path, requesterID string) {
	h, err := e.cfg.Editor.OpenOrCreateDocument(a.ctx, path)
	if err != nil {
		log.Printf("session: open %s for %s: %v", path, requesterID, err)
		return
	}
	text, err := e.cfg.Editor.CurrentText(h)
	if err != nil {
		log.Printf("session: read %s: %v", path, err)
		return
	}
	e.send(a, protocol.NewFileContent(protocol.FileData{
		Path:      h.Path(),
		Content:   text,
		Language:  editor.LanguageFor(h.Path()),
		LineCount: strings.Count(text, "\n") + 1,
	}, requesterID))
}

func (e *Endpoint) decidePermission(a *active, m *protocol.PermissionRequest) {
	if !m.Permission.Valid() {
		log.Printf("session: unknown permission %q requested by %s", m.Permission, m.ParticipantID)
		return
	}
	p, ok := a.dir.Get(m.ParticipantID)
	if !ok || p.Role != protocol.RoleGuest {
		log.Printf("session: permission request from unknown participant %s", m.ParticipantID)
		return
	}

	granted := e.cfg.Decider(p, m.Permission)
	if granted {
		a.dir.SetPermission(p.ID, m.Permission, true)
	}
	log.Printf("session: %s requested %s: granted=%v", p.Name, m.Permission, granted)
	e.send(a, protocol.NewPermissionResponse(p.ID, m.Permission, granted))
}

func (e *Endpoint) receiveWorkspace(a *active, data protocol.WorkspaceData) {
	e.mu.Lock()
	first := a.workspace == nil
	ws := data
	a.workspace = &ws
	if first {
		a.policy = data.Permissions
		a.perms = data.Permissions.GuestPermissions()
	}
	perms := a.perms
	e.mu.Unlock()

	if !first {
		return
	}
	a.dir.SetPermission(a.localID, protocol.PermissionEdit, perms.CanEdit)
	if data.HostID != "" {
		a.dir.Add(participants.Participant{
			ID:          data.HostID,
			Name:        data.HostName,
			Role:        protocol.RoleHost,
			Permissions: protocol.HostPermissions(),
		})
	}
	if !perms.CanEdit {
		e.notify(editor.LevelInfo, "Joined read-only: the host does not allow guest edits")
	}
	if e.cfg.RequestAllFiles {
		for _, path := range treeFiles(data.Tree) {
			e.send(a, protocol.NewRequestFileContent(path, a.localID))
		}
	}
}

func treeFiles(nodes []protocol.TreeNode) []string {
	var out []string
	for _, n := range nodes {
		switch n.Type {
		case protocol.NodeFile:
			out = append(out, n.Path)
		case protocol.NodeFolder:
			out = append(out, treeFiles(n.Children)...)
		}
	}
	return out
}

func (e *Endpoint) receiveSnapshot(a *active, data protocol.FileData) {
	h, err := e.cfg.Editor.OpenOrCreateDocument(a.ctx, data.Path)
	if err != nil {
		log.Printf("session: open %s: %v", data.Path, err)
		return
	}
	if err := a.engine.ApplySnapshot(h.Path(), data.Content); err != nil {
		log.Printf("session: snapshot %s: %v", data.Path, err)
	}
}

func (e *Endpoint) receivePermission(a *active, m *protocol.PermissionResponse) {
	if m.ParticipantID != a.localID {
		a.dir.SetPermission(m.ParticipantID, m.Permission, m.Granted)
		return
	}
	e.mu.Lock()
	a.perms = a.perms.With(m.Permission, m.Granted)
	e.mu.Unlock()
	a.dir.SetPermission(a.localID, m.Permission, m.Granted)

	verdict := "denied"
	if m.Granted {
		verdict = "granted"
	}
	e.notify(editor.LevelInfo, fmt.Sprintf("Permission %s %s", m.Permission, verdict))
}
