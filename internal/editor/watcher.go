package editor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Change kinds reported by the watcher.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// Event is one detected filesystem change.
type Event struct {
	Path   string // workspace-relative, slash-separated
	Change string
}

// WatcherConfig configures a polling Watcher.
type WatcherConfig struct {
	Root         string
	PollInterval time.Duration
	OnEvents     func([]Event)
	OnError      func(error)
}

type fileStat struct {
	size    int64
	modTime time.Time
}

// Watcher detects external file changes by periodic scanning. Only regular
// files are tracked; hidden entries and write-through temp files are
// skipped.
type Watcher struct {
	config   WatcherConfig
	snapshot map[string]fileStat

	mu        sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	scanning  bool
	lastError string
}

// NewWatcher creates a watcher (not started).
func NewWatcher(config WatcherConfig) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	return &Watcher{config: config}
}

// Start begins polling in a background goroutine. The first scan is the
// baseline and emits nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	baseline, errPaths := w.scan()
	w.snapshot = baseline
	w.reportErrors(errPaths)

	go w.loop(stopCh, doneCh)
}

// Stop ends polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (w *Watcher) loop(stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	w.mu.Lock()
	if w.scanning {
		w.mu.Unlock()
		return
	}
	w.scanning = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.scanning = false
		w.mu.Unlock()
	}()

	next, errPaths := w.scan()
	w.reportErrors(errPaths)

	events := diffStats(w.snapshot, next, errPaths)
	w.snapshot = next
	if len(events) > 0 && w.config.OnEvents != nil {
		w.config.OnEvents(events)
	}
}

func (w *Watcher) scan() (map[string]fileStat, map[string]bool) {
	snap := make(map[string]fileStat)
	errPaths := make(map[string]bool)

	_ = filepath.WalkDir(w.config.Root, func(abs string, d fs.DirEntry, err error) error {
		rel, relErr := filepath.Rel(w.config.Root, abs)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			// A path vanishing mid-scan is a delete, not an error.
			if os.IsNotExist(err) && rel != "." {
				return nil
			}
			errPaths[rel] = true
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}

		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		snap[rel] = fileStat{size: info.Size(), modTime: info.ModTime()}
		return nil
	})

	return snap, errPaths
}

// reportErrors reports each distinct set of failing paths once.
func (w *Watcher) reportErrors(errPaths map[string]bool) {
	if len(errPaths) == 0 {
		w.mu.Lock()
		w.lastError = ""
		w.mu.Unlock()
		return
	}

	paths := make([]string, 0, len(errPaths))
	for p := range errPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	sig := strings.Join(paths, "\x1f")

	w.mu.Lock()
	if sig == w.lastError {
		w.mu.Unlock()
		return
	}
	w.lastError = sig
	w.mu.Unlock()

	if w.config.OnError != nil {
		w.config.OnError(fmt.Errorf("watch scan failed on %d path(s): %s", len(paths), strings.Join(paths, ", ")))
	}
}

// underErr reports whether p is at or below a path that failed to scan.
func underErr(p string, errPaths map[string]bool) bool {
	for ep := range errPaths {
		if ep == "." || ep == p || strings.HasPrefix(p, ep+"/") {
			return true
		}
	}
	return false
}

// diffStats orders events deleted, created, modified; each group sorted.
func diffStats(old, next map[string]fileStat, errPaths map[string]bool) []Event {
	var deleted, created, modified []string
	for p := range old {
		if _, ok := next[p]; !ok && !underErr(p, errPaths) {
			deleted = append(deleted, p)
		}
	}
	for p, st := range next {
		prev, ok := old[p]
		switch {
		case !ok:
			created = append(created, p)
		case prev.size != st.size || !prev.modTime.Equal(st.modTime):
			modified = append(modified, p)
		}
	}

	var events []Event
	for _, group := range []struct {
		paths  []string
		change string
	}{{deleted, ChangeDeleted}, {created, ChangeCreated}, {modified, ChangeModified}} {
		sort.Strings(group.paths)
		for _, p := range group.paths {
			events = append(events, Event{Path: p, Change: group.change})
		}
	}
	return events
}
