// Package editor defines the boundary between the sync core and a text
// editing surface, and provides Workspace, a headless implementation over
// a directory on disk.
//
// The sync core never mutates document text directly. It goes through
// ApplyDelta, and learns about local edits only through LocalChanges. An
// integration raises a change notification for every mutation, including
// the ones the sync core asked for; the delta engine filters those out
// with its remote-apply lease.
package editor

import (
	"context"

	"github.com/pseudocoder/livesync/internal/ownership"
	"github.com/pseudocoder/livesync/internal/protocol"
)

// Handle identifies an open document. It is the workspace-relative,
// slash-separated path.
type Handle string

// Path returns the document path.
func (h Handle) Path() string { return string(h) }

// LocalChange is one change notification: the deltas of a single edit.
type LocalChange struct {
	Path    string
	Changes []protocol.Change
}

// Selection is a local cursor move.
type Selection struct {
	Path     string
	Position protocol.Position
}

// Integration is the editing surface the sync core drives.
type Integration interface {
	OpenOrCreateDocument(ctx context.Context, path string) (Handle, error)

	// Lookup returns the handle of an already open document.
	Lookup(path string) (Handle, bool)

	// ApplyDelta applies changes in order as one edit.
	ApplyDelta(ctx context.Context, h Handle, changes []protocol.Change) error

	CurrentText(h Handle) (string, error)

	// LocalChanges delivers change notifications. Delivery is
	// asynchronous and may lag the mutation that caused it.
	LocalChanges() <-chan LocalChange

	LocalSelections() <-chan Selection

	ListDirectory(root string) ([]protocol.TreeNode, error)
}

// Decorator renders ownership blocks for a file.
type Decorator interface {
	RefreshDecorations(path string, blocks []ownership.Block)
}

// Level is a user notification severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier surfaces a message to the user.
type Notifier interface {
	Notify(level Level, message string)
}

// Notification is a recorded user-visible message.
type Notification struct {
	Level   Level
	Message string
}
