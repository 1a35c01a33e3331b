package editor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/ownership"
	"github.com/pseudocoder/livesync/internal/protocol"
)

func newTestWorkspace(t *testing.T, writeThrough bool) (*Workspace, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWorkspace(WorkspaceConfig{Root: dir, WriteThrough: writeThrough})
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	t.Cleanup(w.Close)
	return w, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func nextChange(t *testing.T, w *Workspace) LocalChange {
	t.Helper()
	select {
	case ch := <-w.LocalChanges():
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	return LocalChange{}
}

func TestCleanPath(t *testing.T) {
	valid := map[string]string{
		"notes.txt":       "notes.txt",
		"./src/main.go":   "src/main.go",
		"src//a/../b.txt": "src/b.txt",
	}
	for in, want := range valid {
		got, err := CleanPath(in)
		if err != nil || got != want {
			t.Errorf("CleanPath(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", ".", "..", "../etc/passwd", "/abs/path", "a/../../b"} {
		if _, err := CleanPath(in); err == nil {
			t.Errorf("CleanPath(%q) should fail", in)
		}
	}
}

func TestOpenLoadsFromDisk(t *testing.T) {
	w, dir := newTestWorkspace(t, false)
	writeFile(t, dir, "notes.txt", "hello\n")

	h, err := w.OpenOrCreateDocument(context.Background(), "notes.txt")
	if err != nil {
		t.Fatalf("OpenOrCreateDocument: %v", err)
	}
	text, err := w.CurrentText(h)
	if err != nil || text != "hello\n" {
		t.Fatalf("CurrentText = %q, %v", text, err)
	}
	if w.Language(h) != "plaintext" {
		t.Errorf("Language = %q", w.Language(h))
	}

	// A missing file opens empty; nothing is written without write-through.
	h2, err := w.OpenOrCreateDocument(context.Background(), "new.go")
	if err != nil {
		t.Fatalf("open missing file: %v", err)
	}
	if text, _ := w.CurrentText(h2); text != "" {
		t.Errorf("new document should be empty, got %q", text)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.go")); !os.IsNotExist(err) {
		t.Error("file should not be created without write-through")
	}
	if got := w.Documents(); len(got) != 2 || got[0] != "new.go" {
		t.Errorf("Documents() = %v", got)
	}
}

func TestApplyDeltaRaisesAsyncNotification(t *testing.T) {
	w, _ := newTestWorkspace(t, false)
	ctx := context.Background()

	h, _ := w.OpenOrCreateDocument(ctx, "notes.txt")
	changes := []protocol.Change{{Range: rng(0, 0, 0, 0), Text: "hi\n"}}
	if err := w.ApplyDelta(ctx, h, changes); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	got := nextChange(t, w)
	if got.Path != "notes.txt" || len(got.Changes) != 1 || got.Changes[0].Text != "hi\n" {
		t.Errorf("unexpected notification: %+v", got)
	}
	if text, _ := w.CurrentText(h); text != "hi\n" {
		t.Errorf("text = %q", text)
	}
}

func TestApplyDeltaUnknownDocument(t *testing.T) {
	w, _ := newTestWorkspace(t, false)
	err := w.ApplyDelta(context.Background(), Handle("missing.txt"), nil)
	if !apperrors.IsCode(err, apperrors.CodeSyncNoDocument) {
		t.Fatalf("expected sync.no_document, got %v", err)
	}
	if _, ok := w.Lookup("missing.txt"); ok {
		t.Error("Lookup should miss unopened documents")
	}
}

func TestNotificationsKeepOrder(t *testing.T) {
	w, _ := newTestWorkspace(t, false)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		if err := w.Edit(ctx, "f.txt", protocol.Change{Range: rng(0, 99, 0, 99), Text: s}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := nextChange(t, w); got.Changes[0].Text != want {
			t.Fatalf("got %q, want %q", got.Changes[0].Text, want)
		}
	}

	w.Select("f.txt", p(0, 2))
	select {
	case sel := <-w.LocalSelections():
		if sel.Path != "f.txt" || sel.Position != p(0, 2) {
			t.Errorf("unexpected selection %+v", sel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no selection event")
	}
}

func TestWriteThrough(t *testing.T) {
	w, dir := newTestWorkspace(t, true)
	ctx := context.Background()

	if err := w.Edit(ctx, "sub/dir/file.txt", protocol.Change{Text: "mirrored"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "dir", "file.txt"))
	if err != nil || string(data) != "mirrored" {
		t.Fatalf("disk content = %q, %v", data, err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "sub", "dir"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestListDirectory(t *testing.T) {
	w, dir := newTestWorkspace(t, false)
	writeFile(t, dir, "b.txt", "")
	writeFile(t, dir, "src/main.go", "")
	writeFile(t, dir, ".git/config", "")
	writeFile(t, dir, ".hidden", "")

	tree, err := w.ListDirectory("")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(tree) != 2 {
		t.Fatalf("expected 2 top-level nodes, got %+v", tree)
	}
	if tree[0].Type != protocol.NodeFile || tree[0].Path != "b.txt" {
		t.Errorf("unexpected first node %+v", tree[0])
	}
	src := tree[1]
	if src.Type != protocol.NodeFolder || len(src.Children) != 1 || src.Children[0].Path != "src/main.go" {
		t.Errorf("unexpected folder node %+v", src)
	}

	sub, err := w.ListDirectory("src")
	if err != nil || len(sub) != 1 {
		t.Errorf("ListDirectory(src) = %+v, %v", sub, err)
	}
}

func TestRecordedUIState(t *testing.T) {
	w, _ := newTestWorkspace(t, false)

	w.RefreshDecorations("f", []ownership.Block{{StartLine: 0, EndLine: 2, User: "A"}})
	if got := w.Decorations("f"); len(got) != 1 || got[0].User != "A" {
		t.Errorf("Decorations = %+v", got)
	}
	w.RefreshDecorations("f", nil)
	if got := w.Decorations("f"); len(got) != 0 {
		t.Errorf("Decorations after clear = %+v", got)
	}

	w.Notify(LevelWarning, "careful")
	if n := w.Notifications(); len(n) != 1 || n[0].Level != LevelWarning {
		t.Errorf("Notifications = %+v", n)
	}
}

func TestReloadDropsInMemoryState(t *testing.T) {
	w, dir := newTestWorkspace(t, false)
	writeFile(t, dir, "a.txt", "disk")
	ctx := context.Background()

	if err := w.Edit(ctx, "a.txt", protocol.Change{Text: "mem "}); err != nil {
		t.Fatal(err)
	}
	nextChange(t, w)
	w.RefreshDecorations("a.txt", []ownership.Block{{StartLine: 0, EndLine: 0, User: "A"}})

	w.Reload()

	if _, ok := w.Lookup("a.txt"); ok {
		t.Error("documents should be closed after Reload")
	}
	if got := w.Decorations("a.txt"); len(got) != 0 {
		t.Errorf("decorations after Reload = %+v", got)
	}
	h, err := w.OpenOrCreateDocument(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if text, _ := w.CurrentText(h); text != "disk" {
		t.Errorf("reopened text = %q, want disk content", text)
	}
}

func TestWatcherTurnsExternalEditIntoLocalChange(t *testing.T) {
	w, dir := newTestWorkspace(t, false)
	writeFile(t, dir, "notes.txt", "one\ntwo\n")

	ctx := context.Background()
	h, _ := w.OpenOrCreateDocument(ctx, "notes.txt")
	w.Watch(20 * time.Millisecond)

	// Ensure a distinct mtime even on coarse filesystems.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "notes.txt", "one\n2\n")
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(filepath.Join(dir, "notes.txt"), future, future)

	got := nextChange(t, w)
	if got.Path != "notes.txt" || len(got.Changes) != 1 {
		t.Fatalf("unexpected change %+v", got)
	}
	ch := got.Changes[0]
	if ch.Range.Start != p(1, 0) || ch.Range.End != p(1, 3) || ch.Text != "2" {
		t.Errorf("diff not minimal: %+v", ch)
	}
	if text, _ := w.CurrentText(h); text != "one\n2\n" {
		t.Errorf("text = %q", text)
	}
}

func TestWatcherEvents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", "k")
	writeFile(t, dir, "gone.txt", "g")

	events := make(chan []Event, 8)
	watcher := NewWatcher(WatcherConfig{
		Root:         dir,
		PollInterval: 20 * time.Millisecond,
		OnEvents:     func(ev []Event) { events <- ev },
	})
	watcher.Start()
	defer watcher.Stop()

	os.Remove(filepath.Join(dir, "gone.txt"))
	writeFile(t, dir, "new.txt", "n")
	writeFile(t, dir, ".livesync-write-123", "tmp")

	// The delete and the create may land in different scans.
	seen := make(map[Event]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case batch := <-events:
			for _, ev := range batch {
				seen[ev] = true
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	for _, want := range []Event{{Path: "gone.txt", Change: ChangeDeleted}, {Path: "new.txt", Change: ChangeCreated}} {
		if !seen[want] {
			t.Errorf("missing event %+v (saw %v)", want, seen)
		}
	}
	for ev := range seen {
		if ev.Path == ".livesync-write-123" || ev.Path == "keep.txt" {
			t.Errorf("unexpected event %+v", ev)
		}
	}

	// Stop is idempotent.
	watcher.Stop()
}
