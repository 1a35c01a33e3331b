// Package protocol defines the JSON envelopes exchanged between the relay
// broker, the host endpoint and guest endpoints.
//
// Every envelope is a flat JSON object with a "type" field. The broker only
// ever peeks at the type; endpoints decode the full record with Decode.
package protocol

// MessageType identifies the kind of envelope.
type MessageType string

const (
	// TypeRoleIdentification is the first message on every connection.
	// Payload: RoleIdentification
	TypeRoleIdentification MessageType = "role-identification"

	// TypeSessionCreated confirms a host registration.
	// Payload: SessionCreated
	TypeSessionCreated MessageType = "session-created"

	// TypeSessionJoined confirms a guest registration.
	// Payload: SessionJoined
	TypeSessionJoined MessageType = "session-joined"

	// TypeError reports a session-level failure. The broker closes the
	// connection after sending it during the handshake.
	// Payload: Error
	TypeError MessageType = "error"

	// TypeHelloGuest is sent by a guest after joining; the host answers
	// with workspace-info.
	TypeHelloGuest MessageType = "hello-guest"

	// TypeWorkspaceInfo carries the shared tree and the permission policy.
	TypeWorkspaceInfo MessageType = "workspace-info"

	TypeRequestWorkspaceInfo MessageType = "request-workspace-info"
	TypeRequestFileContent   MessageType = "request-file-content"

	// TypeOpenFile is broadcast by the host when it opens a document.
	TypeOpenFile MessageType = "open-file"

	// TypeFileContent is a full-snapshot transfer.
	TypeFileContent MessageType = "file-content"

	// TypeFileChange carries an ordered batch of deltas for one file.
	TypeFileChange MessageType = "file-change"

	// TypeCursorPosition is advisory presence; never touches content.
	TypeCursorPosition MessageType = "cursor-position"

	TypeParticipantJoined MessageType = "participant-joined"
	TypeParticipantLeft   MessageType = "participant-left"

	TypePermissionRequest  MessageType = "permission-request"
	TypePermissionResponse MessageType = "permission-response"

	TypeKickGuest      MessageType = "kick-guest"
	TypeSessionStopped MessageType = "session-stopped"
	TypeGuestLeft      MessageType = "guest-left"

	// TypeSessionEnded is emitted by the broker to every guest when the host
	// connection drops without a prior session-stopped.
	TypeSessionEnded MessageType = "session-ended"
)

// Role is the part a connection plays in a session.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Valid reports whether r is host or guest.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// RoleIdentification opens every connection.
// ParticipantID is optional; the broker assigns one when it is absent or
// does not carry the role prefix.
type RoleIdentification struct {
	Type          MessageType `json:"type"`
	Role          Role        `json:"role"`
	UserName      string      `json:"userName"`
	ParticipantID string      `json:"participantId,omitempty"`
}

// SessionCreated is the host handshake reply.
type SessionCreated struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"sessionId"`
	ParticipantID string      `json:"participantId,omitempty"`
}

// SessionJoined is the guest handshake reply.
type SessionJoined struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"sessionId"`
	ParticipantID string      `json:"participantId,omitempty"`
}

// Error carries a human message and a stable code from internal/errors.
type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

type HelloGuest struct {
	Type     MessageType `json:"type"`
	GuestID  string      `json:"guestId"`
	UserName string      `json:"userName"`
}

// TreeNode is one entry of the shared workspace tree.
type TreeNode struct {
	Type     string     `json:"type"` // "file" or "folder"
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Children []TreeNode `json:"children,omitempty"`
}

const (
	NodeFile   = "file"
	NodeFolder = "folder"
)

// WorkspaceData is the workspace snapshot a host hands to guests.
type WorkspaceData struct {
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	Tree           []TreeNode `json:"tree"`
	Permissions    Policy     `json:"permissions"`
	SessionStartMs int64      `json:"sessionStartMs"`
	HostID         string     `json:"hostId,omitempty"`
	HostName       string     `json:"hostName,omitempty"`
}

type WorkspaceInfo struct {
	Type MessageType   `json:"type"`
	Data WorkspaceData `json:"data"`
}

type RequestWorkspaceInfo struct {
	Type MessageType `json:"type"`
}

type RequestFileContent struct {
	Type     MessageType `json:"type"`
	FilePath string      `json:"filePath"`
	// RequesterID lets the host address the snapshot back to one guest.
	RequesterID string `json:"requesterId,omitempty"`
}

type OpenFile struct {
	Type     MessageType `json:"type"`
	FilePath string      `json:"filePath"`
}

// FileData is a full document snapshot.
type FileData struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Language  string `json:"language"`
	LineCount int    `json:"lineCount"`
}

type FileContent struct {
	Type MessageType `json:"type"`
	Data FileData    `json:"data"`
	// TargetID, when set, names the only guest that should apply the snapshot.
	TargetID string `json:"targetId,omitempty"`
}

// Position is a zero-based line and UTF-16 character offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Change is one contiguous replace operation (a delta).
type Change struct {
	Range       Range  `json:"range"`
	RangeLength int    `json:"rangeLength"`
	RangeOffset int    `json:"rangeOffset"`
	Text        string `json:"text"`
}

// FileChange is the change message: an ordered list of deltas plus the
// identity needed for echo suppression, deduplication and ordering.
type FileChange struct {
	Type            MessageType `json:"type"`
	FilePath        string      `json:"filePath"`
	OriginID        string      `json:"originId"`
	MessageID       string      `json:"messageId"`
	Sequence        uint64      `json:"sequence"`
	Changes         []Change    `json:"changes"`
	Timestamp       int64       `json:"timestamp"`
	User            string      `json:"user"`
	ForwardedByHost bool        `json:"forwardedByHost,omitempty"`
}

type CursorPosition struct {
	Type          MessageType `json:"type"`
	FilePath      string      `json:"filePath"`
	Position      Position    `json:"position"`
	ParticipantID string      `json:"participantId"`
	User          string      `json:"user"`
	Timestamp     int64       `json:"timestamp"`
}

type ParticipantJoined struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participantId"`
	UserName      string      `json:"userName"`
}

type ParticipantLeft struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participantId"`
	UserName      string      `json:"userName,omitempty"`
}

type PermissionRequest struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participantId"`
	Permission    Permission  `json:"permission"`
}

type PermissionResponse struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participantId"`
	Permission    Permission  `json:"permission"`
	Granted       bool        `json:"granted"`
}

type KickGuest struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participantId"`
	Reason        string      `json:"reason"`
}

type SessionStopped struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"sessionId"`
	HostInitiated bool        `json:"hostInitiated"`
	ShouldReload  bool        `json:"shouldReload"`
}

type GuestLeft struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participantId"`
	UserName      string      `json:"userName"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Reason    string      `json:"reason,omitempty"`
}
