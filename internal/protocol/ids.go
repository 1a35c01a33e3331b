package protocol

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

// SessionAlphabet excludes I, O, 0 and 1 so codes survive being read aloud.
const SessionAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// sessionCodeLen is the number of significant characters in a session code.
const sessionCodeLen = 6

// NewSessionID returns a random session code rendered as XXX-XXX.
func NewSessionID() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(SessionAlphabet)))
	for i := 0; i < sessionCodeLen; i++ {
		if i == sessionCodeLen/2 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", apperrors.Internal("generate session id", err)
		}
		b.WriteByte(SessionAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ParseSessionID normalizes user input ("qwe rty", "QWERTY", "qwe-rty")
// to the canonical XXX-XXX form.
func ParseSessionID(raw string) (string, error) {
	var code []byte
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		switch {
		case r == '-' || r == ' ':
			continue
		case r < 128 && strings.IndexByte(SessionAlphabet, byte(r)) >= 0:
			code = append(code, byte(r))
		default:
			return "", apperrors.InvalidSessionID(raw)
		}
	}
	if len(code) != sessionCodeLen {
		return "", apperrors.InvalidSessionID(raw)
	}
	return string(code[:3]) + "-" + string(code[3:]), nil
}

// NewParticipantID returns a role-prefixed opaque id, e.g. "guest-3f2a...".
func NewParticipantID(role Role) string {
	return string(role) + "-" + uuid.NewString()
}

// ParticipantRole returns the role encoded in a participant id prefix.
func ParticipantRole(id string) (Role, bool) {
	prefix, rest, ok := strings.Cut(id, "-")
	if !ok || rest == "" {
		return "", false
	}
	role := Role(prefix)
	return role, role.Valid()
}

// NewMessageID returns a globally unique, time-sortable message id.
func NewMessageID() string {
	return ulid.Make().String()
}
