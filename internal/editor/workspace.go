package editor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/ownership"
	"github.com/pseudocoder/livesync/internal/presence"
	"github.com/pseudocoder/livesync/internal/protocol"
)

// tempPrefix marks in-progress write-through files; the watcher skips them.
const tempPrefix = ".livesync-write-"

// WorkspaceConfig configures a Workspace.
type WorkspaceConfig struct {
	// Root is the directory documents are loaded from.
	Root string

	// WriteThrough persists every mutation back to Root.
	WriteThrough bool
}

type document struct {
	text string
	// disk is the content last read from or written to disk.
	disk     string
	language string
}

// Workspace is a headless Integration over a directory. Documents load
// from disk on first open and live in memory afterwards. It also records
// decorations, cursor renders and notifications so callers (and tests) can
// inspect what a UI would have shown.
type Workspace struct {
	root         string
	writeThrough bool

	mu          sync.Mutex
	docs        map[string]*document
	decorations map[string][]ownership.Block
	cursors     map[string][]presence.Cursor
	notes       []Notification
	watcher     *Watcher

	// Notification queue. emit appends, dispatch drains in order.
	qmu    sync.Mutex
	queue  []any
	wake   chan struct{}
	done   chan struct{}
	closed bool

	changes    chan LocalChange
	selections chan Selection
}

// NewWorkspace returns a workspace rooted at cfg.Root.
func NewWorkspace(cfg WorkspaceConfig) (*Workspace, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}

	w := &Workspace{
		root:         root,
		writeThrough: cfg.WriteThrough,
		docs:         make(map[string]*document),
		decorations:  make(map[string][]ownership.Block),
		cursors:      make(map[string][]presence.Cursor),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		changes:      make(chan LocalChange),
		selections:   make(chan Selection),
	}
	go w.dispatch()
	return w, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

// Name returns the workspace directory name.
func (w *Workspace) Name() string { return filepath.Base(w.root) }

// CleanPath normalizes a workspace-relative path and rejects anything that
// would escape the root.
func CleanPath(p string) (string, error) {
	p = path.Clean(filepath.ToSlash(strings.TrimSpace(p)))
	p = strings.TrimPrefix(p, "./")
	if p == "" || p == "." || path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("invalid workspace path %q", p)
	}
	return p, nil
}

func (w *Workspace) abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

// OpenOrCreateDocument loads p from disk, or creates an empty document when
// the file does not exist.
func (w *Workspace) OpenOrCreateDocument(ctx context.Context, p string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := CleanPath(p)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.docs[p]; ok {
		return Handle(p), nil
	}

	data, err := os.ReadFile(w.abs(p))
	switch {
	case err == nil:
	case os.IsNotExist(err):
		if w.writeThrough {
			if err := w.persistLocked(p, ""); err != nil {
				return "", err
			}
		}
	default:
		return "", fmt.Errorf("open %s: %w", p, err)
	}

	text := string(data)
	w.docs[p] = &document{text: text, disk: text, language: LanguageFor(p)}
	return Handle(p), nil
}

// Lookup returns the handle of an open document.
func (w *Workspace) Lookup(p string) (Handle, bool) {
	p, err := CleanPath(p)
	if err != nil {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.docs[p]
	return Handle(p), ok
}

// ApplyDelta applies changes in order and queues a change notification.
func (w *Workspace) ApplyDelta(ctx context.Context, h Handle, changes []protocol.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	doc, ok := w.docs[h.Path()]
	if !ok {
		w.mu.Unlock()
		return apperrors.NoDocument(h.Path())
	}
	doc.text = ApplyChanges(doc.text, changes)
	if w.writeThrough {
		if err := w.persistLocked(h.Path(), doc.text); err != nil {
			w.mu.Unlock()
			return apperrors.ApplyFailed(h.Path(), err)
		}
		doc.disk = doc.text
	}
	w.mu.Unlock()

	w.emit(LocalChange{Path: h.Path(), Changes: append([]protocol.Change(nil), changes...)})
	return nil
}

// persistLocked writes text to p through a temp file and rename.
func (w *Workspace) persistLocked(p, text string) error {
	dst := w.abs(p)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", p, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// CurrentText returns the document text.
func (w *Workspace) CurrentText(h Handle) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.docs[h.Path()]
	if !ok {
		return "", apperrors.NoDocument(h.Path())
	}
	return doc.text, nil
}

// Language returns the language identifier of an open document.
func (w *Workspace) Language(h Handle) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if doc, ok := w.docs[h.Path()]; ok {
		return doc.language
	}
	return LanguageFor(h.Path())
}

// Documents returns the paths of open documents, sorted.
func (w *Workspace) Documents() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.docs))
	for p := range w.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Edit simulates a user typing into p: the document is opened if needed
// and the change notification is raised like any other edit.
func (w *Workspace) Edit(ctx context.Context, p string, changes ...protocol.Change) error {
	h, err := w.OpenOrCreateDocument(ctx, p)
	if err != nil {
		return err
	}
	return w.ApplyDelta(ctx, h, changes)
}

// Select simulates a user moving the cursor.
func (w *Workspace) Select(p string, pos protocol.Position) {
	w.emit(Selection{Path: p, Position: pos})
}

func (w *Workspace) LocalChanges() <-chan LocalChange { return w.changes }

func (w *Workspace) LocalSelections() <-chan Selection { return w.selections }

// ListDirectory returns the tree under root ("" for the whole workspace).
// Hidden entries are skipped.
func (w *Workspace) ListDirectory(root string) ([]protocol.TreeNode, error) {
	rel := ""
	if root != "" && root != "." {
		var err error
		if rel, err = CleanPath(root); err != nil {
			return nil, err
		}
	}
	return w.listDir(rel)
}

func (w *Workspace) listDir(rel string) ([]protocol.TreeNode, error) {
	entries, err := os.ReadDir(w.abs(rel))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}

	nodes := make([]protocol.TreeNode, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := e.Name()
		if rel != "" {
			p = rel + "/" + e.Name()
		}
		switch {
		case e.IsDir():
			children, err := w.listDir(p)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, protocol.TreeNode{Type: protocol.NodeFolder, Name: e.Name(), Path: p, Children: children})
		case e.Type().IsRegular():
			nodes = append(nodes, protocol.TreeNode{Type: protocol.NodeFile, Name: e.Name(), Path: p})
		}
	}
	return nodes, nil
}

// RefreshDecorations records the ownership blocks a UI would draw.
func (w *Workspace) RefreshDecorations(p string, blocks []ownership.Block) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(blocks) == 0 {
		delete(w.decorations, p)
		return
	}
	w.decorations[p] = append([]ownership.Block(nil), blocks...)
}

// Decorations returns the last ownership blocks drawn for p.
func (w *Workspace) Decorations(p string) []ownership.Block {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ownership.Block(nil), w.decorations[p]...)
}

// RenderCursors records the remote cursors a UI would draw in p.
func (w *Workspace) RenderCursors(p string, cursors []presence.Cursor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(cursors) == 0 {
		delete(w.cursors, p)
		return
	}
	w.cursors[p] = append([]presence.Cursor(nil), cursors...)
}

// Cursors returns the remote cursors last drawn in p.
func (w *Workspace) Cursors(p string) []presence.Cursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]presence.Cursor(nil), w.cursors[p]...)
}

// Notify logs and records a user notification.
func (w *Workspace) Notify(level Level, message string) {
	log.Printf("[%s] %s", level, message)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notes = append(w.notes, Notification{Level: level, Message: message})
}

// Notifications returns every notification raised so far.
func (w *Workspace) Notifications() []Notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Notification(nil), w.notes...)
}

// Reload resets the workspace to what is on disk: open documents are
// dropped and reload on next open, decorations and cursors are cleared.
func (w *Workspace) Reload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	log.Printf("editor: reloading %s (%d open documents)", w.root, len(w.docs))
	w.docs = make(map[string]*document)
	w.decorations = make(map[string][]ownership.Block)
	w.cursors = make(map[string][]presence.Cursor)
}

// Watch starts polling Root for external edits. Modified files that are
// open become local edits (minimal single-range deltas).
func (w *Workspace) Watch(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return
	}
	w.watcher = NewWatcher(WatcherConfig{
		Root:         w.root,
		PollInterval: interval,
		OnEvents: func(events []Event) {
			for _, ev := range events {
				if ev.Change == ChangeModified || ev.Change == ChangeCreated {
					w.syncFromDisk(ev.Path)
				}
			}
		},
		OnError: func(err error) {
			log.Printf("editor: %v", err)
		},
	})
	w.watcher.Start()
}

// syncFromDisk folds an external edit of an open document into the
// in-memory text and raises it as a local change.
func (w *Workspace) syncFromDisk(p string) {
	data, err := os.ReadFile(w.abs(p))
	if err != nil {
		return
	}
	content := string(data)

	w.mu.Lock()
	doc, ok := w.docs[p]
	if !ok || content == doc.disk {
		w.mu.Unlock()
		return
	}
	doc.disk = content
	change, changed := Diff(doc.text, content)
	if !changed {
		w.mu.Unlock()
		return
	}
	doc.text = content
	w.mu.Unlock()

	w.emit(LocalChange{Path: p, Changes: []protocol.Change{change}})
}

func (w *Workspace) emit(ev any) {
	w.qmu.Lock()
	if w.closed {
		w.qmu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	w.qmu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Workspace) dispatch() {
	defer close(w.changes)
	defer close(w.selections)

	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			w.qmu.Lock()
			if len(w.queue) == 0 {
				w.qmu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.qmu.Unlock()

			switch ev := ev.(type) {
			case LocalChange:
				select {
				case w.changes <- ev:
				case <-w.done:
					return
				}
			case Selection:
				select {
				case w.selections <- ev:
				case <-w.done:
					return
				}
			}
		}
	}
}

// Close stops the watcher and the notification stream. Both channels are
// closed once pending notifications are abandoned.
func (w *Workspace) Close() {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if watcher != nil {
		watcher.Stop()
	}

	w.qmu.Lock()
	if w.closed {
		w.qmu.Unlock()
		return
	}
	w.closed = true
	w.queue = nil
	w.qmu.Unlock()
	close(w.done)
}
