package delta

import (
	"log"
	"sync"
	"time"

	"github.com/pseudocoder/livesync/internal/editor"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/protocol"
)

// lease marks a file as being written by a remote apply. While it holds,
// the one local change notification carrying the applied batch is the
// echo of that apply. Any other notification is a user edit.
// Fields other than confirmed are guarded by Engine.mu.
type lease struct {
	confirmed chan struct{}
	once      sync.Once
	expect    []protocol.Change
	matched   bool
	released  bool
	timer     *time.Timer
}

func newLease(expect []protocol.Change) *lease {
	return &lease{
		confirmed: make(chan struct{}),
		expect:    append([]protocol.Change(nil), expect...),
	}
}

func (l *lease) holds() bool { return !l.released }

// echoes reports whether changes is the not yet seen echo of the apply.
func (l *lease) echoes(changes []protocol.Change) bool {
	if !l.holds() || l.matched || len(changes) != len(l.expect) {
		return false
	}
	for i, c := range changes {
		if c.Range != l.expect[i].Range || c.Text != l.expect[i].Text {
			return false
		}
	}
	return true
}

// confirm records that the integration reported the apply.
func (l *lease) confirm() {
	l.once.Do(func() { close(l.confirmed) })
}

func (l *lease) stop() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.released = true
}

func (e *Engine) beginLease(path string, changes []protocol.Change) *lease {
	e.mu.Lock()
	defer e.mu.Unlock()

	fs := e.fileLocked(path)
	if fs.lease != nil {
		fs.lease.stop()
	}
	l := newLease(changes)
	fs.lease = l
	return l
}

// endLease releases l after the grace period. It always runs, whatever
// the apply outcome was.
func (e *Engine) endLease(path string, l *lease) {
	release := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		l.released = true
		if fs, ok := e.files[path]; ok && fs.lease == l {
			fs.lease = nil
		}
	}

	if e.cfg.GuardGrace <= 0 {
		release()
		return
	}
	e.mu.Lock()
	if !l.released {
		l.timer = time.AfterFunc(e.cfg.GuardGrace, release)
	}
	e.mu.Unlock()
}

// HandleRemote runs the inbound checks for one change message and queues
// it for application. Dropped messages return a sync.echo, sync.duplicate
// or sync.stale error; callers log those and move on.
func (e *Engine) HandleRemote(msg *protocol.FileChange) error {
	if msg.FilePath == "" {
		return apperrors.Malformed("file-change without filePath", nil)
	}
	if msg.OriginID == e.cfg.LocalID {
		return apperrors.Echo(msg.MessageID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return apperrors.NotActive("apply change")
	}

	if msg.MessageID != "" {
		if e.dedupe.contains(msg.MessageID) {
			return apperrors.Duplicate(msg.MessageID)
		}
		e.dedupe.add(msg.MessageID)
	}

	fs := e.fileLocked(msg.FilePath)
	if last := fs.lastApplied[msg.OriginID]; msg.Sequence <= last {
		return apperrors.Stale(msg.FilePath, msg.OriginID, msg.Sequence, last)
	}
	if e.cfg.AcceptFrom != nil && !e.cfg.AcceptFrom(msg.OriginID) {
		return apperrors.PermissionDenied(string(protocol.PermissionEdit))
	}
	fs.lastApplied[msg.OriginID] = msg.Sequence

	e.enqueueLocked(fs, job{msg: msg, path: msg.FilePath})
	return nil
}

// ApplySnapshot queues a full-content replacement of path. Snapshots go
// through the same queue and lease as deltas, reset the file's ownership
// and leave sequence tables alone.
func (e *Engine) ApplySnapshot(path, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return apperrors.NotActive("apply snapshot")
	}
	e.enqueueLocked(e.fileLocked(path), job{path: path, content: content, snapshot: true})
	return nil
}

func (e *Engine) enqueueLocked(fs *fileState, j job) {
	fs.jobs = append(fs.jobs, j)
	if fs.running {
		return
	}
	fs.running = true
	if e.active == 0 {
		e.idle = make(chan struct{})
	}
	e.active++
	e.wg.Add(1)
	go e.drain(fs)
}

// drain applies queued jobs for one file, one at a time.
func (e *Engine) drain(fs *fileState) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		if e.closed || len(fs.jobs) == 0 {
			fs.running = false
			e.active--
			if e.active == 0 {
				close(e.idle)
			}
			e.mu.Unlock()
			return
		}
		j := fs.jobs[0]
		fs.jobs = fs.jobs[1:]
		e.mu.Unlock()

		e.apply(j)
	}
}

func (e *Engine) apply(j job) {
	h, ok := e.cfg.Editor.Lookup(j.path)
	if !ok {
		if j.snapshot {
			e.warn(apperrors.NoDocument(j.path))
		} else {
			// A snapshot must come first; a dangling delta is a no-op.
			log.Printf("sync: %s from %s ignored: document not open", j.path, j.msg.OriginID)
		}
		return
	}

	var changes []protocol.Change
	user := ""
	if j.snapshot {
		cur, err := e.cfg.Editor.CurrentText(h)
		if err != nil {
			e.warn(apperrors.ApplyFailed(j.path, err))
			return
		}
		if cur != j.content {
			changes = []protocol.Change{editor.ReplaceAll(cur, j.content)}
		}
	} else {
		changes = j.msg.Changes
		user = j.msg.User
		if user == "" {
			user = j.msg.OriginID
		}
	}

	var l *lease
	if len(changes) > 0 {
		l = e.beginLease(j.path, changes)
		if err := e.cfg.Editor.ApplyDelta(e.ctx, h, changes); err != nil {
			e.endLease(j.path, l)
			if e.ctx.Err() == nil {
				e.warn(apperrors.ApplyFailed(j.path, err))
			}
			return
		}
	}

	if !j.snapshot && e.cfg.Role == protocol.RoleHost && j.msg.OriginID != e.cfg.LocalID && e.cfg.Send != nil {
		if err := e.cfg.Send(j.msg.Forwarded()); err != nil {
			log.Printf("sync: forward %s seq %d: %v", j.path, j.msg.Sequence, err)
		}
	}

	if j.snapshot {
		e.cfg.Ownership.Reset(j.path)
	} else {
		e.cfg.Ownership.Record(j.path, changes, user)
	}
	e.refreshDecorations(j.path)

	if l == nil {
		return
	}

	timer := time.NewTimer(e.cfg.ApplyTimeout)
	defer timer.Stop()
	select {
	case <-l.confirmed:
	case <-timer.C:
		id := "snapshot"
		if j.msg != nil {
			id = j.msg.MessageID
		}
		e.warn(apperrors.ApplyTimeout(j.path, id))
	case <-e.ctx.Done():
	}
	e.endLease(j.path, l)
}
