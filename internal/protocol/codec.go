package protocol

import (
	"encoding/json"
	"time"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

type header struct {
	Type MessageType `json:"type"`
}

// Peek returns the envelope type without decoding the rest of the record.
// This is all the broker ever looks at.
func Peek(data []byte) (MessageType, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", apperrors.Malformed("envelope is not a JSON object", err)
	}
	if h.Type == "" {
		return "", apperrors.Malformed("envelope has no type", nil)
	}
	return h.Type, nil
}

// Decode parses an envelope into its typed record. The result is always a
// pointer (e.g. *FileChange). Unknown types are a protocol error.
func Decode(data []byte) (any, error) {
	t, err := Peek(data)
	if err != nil {
		return nil, err
	}

	var msg any
	switch t {
	case TypeRoleIdentification:
		msg = &RoleIdentification{}
	case TypeSessionCreated:
		msg = &SessionCreated{}
	case TypeSessionJoined:
		msg = &SessionJoined{}
	case TypeError:
		msg = &Error{}
	case TypeHelloGuest:
		msg = &HelloGuest{}
	case TypeWorkspaceInfo:
		msg = &WorkspaceInfo{}
	case TypeRequestWorkspaceInfo:
		msg = &RequestWorkspaceInfo{}
	case TypeRequestFileContent:
		msg = &RequestFileContent{}
	case TypeOpenFile:
		msg = &OpenFile{}
	case TypeFileContent:
		msg = &FileContent{}
	case TypeFileChange:
		msg = &FileChange{}
	case TypeCursorPosition:
		msg = &CursorPosition{}
	case TypeParticipantJoined:
		msg = &ParticipantJoined{}
	case TypeParticipantLeft:
		msg = &ParticipantLeft{}
	case TypePermissionRequest:
		msg = &PermissionRequest{}
	case TypePermissionResponse:
		msg = &PermissionResponse{}
	case TypeKickGuest:
		msg = &KickGuest{}
	case TypeSessionStopped:
		msg = &SessionStopped{}
	case TypeGuestLeft:
		msg = &GuestLeft{}
	case TypeSessionEnded:
		msg = &SessionEnded{}
	default:
		return nil, apperrors.Malformed("unknown message type "+string(t), nil)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, apperrors.Malformed("decode "+string(t), err)
	}
	return msg, nil
}

// Encode marshals an envelope.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, apperrors.Internal("encode envelope", err)
	}
	return data, nil
}

// nowMillis is the timestamp format used on the wire.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Constructors. Each fills in the type field so callers never forget it.

func NewRoleIdentification(role Role, userName, participantID string) *RoleIdentification {
	return &RoleIdentification{Type: TypeRoleIdentification, Role: role, UserName: userName, ParticipantID: participantID}
}

func NewSessionCreated(sessionID, participantID string) *SessionCreated {
	return &SessionCreated{Type: TypeSessionCreated, SessionID: sessionID, ParticipantID: participantID}
}

func NewSessionJoined(sessionID, participantID string) *SessionJoined {
	return &SessionJoined{Type: TypeSessionJoined, SessionID: sessionID, ParticipantID: participantID}
}

// NewError converts an error into a wire error envelope.
func NewError(err error) *Error {
	code, message := apperrors.ToCodeAndMessage(err)
	return &Error{Type: TypeError, Message: message, Code: code}
}

func NewHelloGuest(guestID, userName string) *HelloGuest {
	return &HelloGuest{Type: TypeHelloGuest, GuestID: guestID, UserName: userName}
}

func NewWorkspaceInfo(data WorkspaceData) *WorkspaceInfo {
	return &WorkspaceInfo{Type: TypeWorkspaceInfo, Data: data}
}

func NewRequestWorkspaceInfo() *RequestWorkspaceInfo {
	return &RequestWorkspaceInfo{Type: TypeRequestWorkspaceInfo}
}

func NewRequestFileContent(path, requesterID string) *RequestFileContent {
	return &RequestFileContent{Type: TypeRequestFileContent, FilePath: path, RequesterID: requesterID}
}

func NewOpenFile(path string) *OpenFile {
	return &OpenFile{Type: TypeOpenFile, FilePath: path}
}

func NewFileContent(data FileData, targetID string) *FileContent {
	return &FileContent{Type: TypeFileContent, Data: data, TargetID: targetID}
}

// NewFileChange builds a change message with a fresh message id.
func NewFileChange(path, originID, user string, seq uint64, changes []Change) *FileChange {
	return &FileChange{
		Type:      TypeFileChange,
		FilePath:  path,
		OriginID:  originID,
		MessageID: NewMessageID(),
		Sequence:  seq,
		Changes:   changes,
		Timestamp: nowMillis(),
		User:      user,
	}
}

// Forwarded returns the copy the host re-broadcasts for a guest edit.
// Origin, message id and sequence are preserved.
func (m *FileChange) Forwarded() *FileChange {
	fwd := *m
	fwd.Changes = append([]Change(nil), m.Changes...)
	fwd.ForwardedByHost = true
	return &fwd
}

func NewCursorPosition(path string, pos Position, participantID, user string) *CursorPosition {
	return &CursorPosition{Type: TypeCursorPosition, FilePath: path, Position: pos, ParticipantID: participantID, User: user, Timestamp: nowMillis()}
}

func NewParticipantJoined(participantID, userName string) *ParticipantJoined {
	return &ParticipantJoined{Type: TypeParticipantJoined, ParticipantID: participantID, UserName: userName}
}

func NewParticipantLeft(participantID, userName string) *ParticipantLeft {
	return &ParticipantLeft{Type: TypeParticipantLeft, ParticipantID: participantID, UserName: userName}
}

func NewPermissionRequest(participantID string, perm Permission) *PermissionRequest {
	return &PermissionRequest{Type: TypePermissionRequest, ParticipantID: participantID, Permission: perm}
}

func NewPermissionResponse(participantID string, perm Permission, granted bool) *PermissionResponse {
	return &PermissionResponse{Type: TypePermissionResponse, ParticipantID: participantID, Permission: perm, Granted: granted}
}

func NewKickGuest(participantID, reason string) *KickGuest {
	return &KickGuest{Type: TypeKickGuest, ParticipantID: participantID, Reason: reason}
}

func NewSessionStopped(sessionID string, hostInitiated, shouldReload bool) *SessionStopped {
	return &SessionStopped{Type: TypeSessionStopped, SessionID: sessionID, HostInitiated: hostInitiated, ShouldReload: shouldReload}
}

func NewGuestLeft(participantID, userName string) *GuestLeft {
	return &GuestLeft{Type: TypeGuestLeft, ParticipantID: participantID, UserName: userName}
}

func NewSessionEnded(sessionID, reason string) *SessionEnded {
	return &SessionEnded{Type: TypeSessionEnded, SessionID: sessionID, Reason: reason}
}
