// Package delta is the per-endpoint sync engine. It turns local edits into
// sequenced change messages and turns inbound change messages into ordered,
// exactly-once local edits.
//
// Outbound, edits for a file are coalesced in a pending batch whose flush
// timer restarts on every edit. Each flush carries a fresh message id and
// the next per-file sequence number.
//
// Inbound, a message is dropped if it is our own echo, if its id was seen
// before, or if its sequence is not newer than the last one applied from
// that sender for that file. All three checks and their bookkeeping run
// under one lock so near-simultaneous deliveries cannot both pass.
// Accepted messages join a per-file queue; each is applied as one batch
// while a remote-apply lease makes the local capture path ignore the
// resulting change notification.
package delta

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pseudocoder/livesync/internal/editor"
	apperrors "github.com/pseudocoder/livesync/internal/errors"
	"github.com/pseudocoder/livesync/internal/ownership"
	"github.com/pseudocoder/livesync/internal/protocol"
)

// Editor is the part of the editor integration the engine drives.
type Editor interface {
	Lookup(path string) (editor.Handle, bool)
	ApplyDelta(ctx context.Context, h editor.Handle, changes []protocol.Change) error
	CurrentText(h editor.Handle) (string, error)
}

// Config configures an Engine.
type Config struct {
	LocalID  string
	UserName string
	Role     protocol.Role

	BatchWindow  time.Duration
	ApplyTimeout time.Duration
	// GuardGrace keeps the lease alive briefly after an apply so late
	// change notifications are still recognized as echoes.
	GuardGrace     time.Duration
	DedupeCapacity int

	// CanTransmit reports whether local edits may go on the wire. Nil
	// means always.
	CanTransmit func() bool

	// AcceptFrom reports whether edits from a sender may be applied.
	// Used by the host to enforce guest permissions. Nil means always.
	AcceptFrom func(originID string) bool

	// Send puts an outbound change message on the wire.
	Send func(msg *protocol.FileChange) error

	Editor    Editor
	Decorator editor.Decorator
	Ownership *ownership.Tracker

	// OnWarning receives soft failures (apply timeout, apply failure,
	// transmission denied). Optional.
	OnWarning func(err error)
}

type job struct {
	msg      *protocol.FileChange // nil for snapshots
	path     string
	content  string
	snapshot bool
}

type fileState struct {
	lastApplied map[string]uint64
	nextSeq     uint64

	pending []protocol.Change
	timer   *time.Timer

	jobs    []job
	running bool
	lease   *lease
}

// Engine holds the sync state of one session on one endpoint.
type Engine struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders sequence assignment with the send itself.
	sendMu sync.Mutex

	mu           sync.Mutex
	files        map[string]*fileState
	dedupe       *dedupeCache
	active       int
	idle         chan struct{}
	deniedWarned bool
	closed       bool
	wg           sync.WaitGroup
}

// New returns an engine ready to capture and apply edits.
func New(cfg Config) *Engine {
	if cfg.DedupeCapacity <= 0 {
		cfg.DedupeCapacity = 500
	}
	if cfg.Ownership == nil {
		cfg.Ownership = ownership.NewTracker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Engine{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		files:  make(map[string]*fileState),
		dedupe: newDedupeCache(cfg.DedupeCapacity),
		idle:   idle,
	}
}

func (e *Engine) fileLocked(path string) *fileState {
	fs, ok := e.files[path]
	if !ok {
		fs = &fileState{lastApplied: make(map[string]uint64)}
		e.files[path] = fs
	}
	return fs
}

func (e *Engine) warn(err error) {
	log.Printf("sync: %v", err)
	if e.cfg.OnWarning != nil {
		e.cfg.OnWarning(err)
	}
}

// CaptureLocal receives one local change notification. The echo of a
// remote apply is swallowed once by the file's lease; every other
// notification is a user edit, even inside the grace period.
func (e *Engine) CaptureLocal(path string, changes []protocol.Change) {
	if len(changes) == 0 {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	fs := e.fileLocked(path)
	if fs.lease != nil && fs.lease.echoes(changes) {
		fs.lease.matched = true
		fs.lease.confirm()
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.cfg.Ownership.Record(path, changes, e.cfg.UserName)
	e.refreshDecorations(path)

	if e.cfg.CanTransmit != nil && !e.cfg.CanTransmit() {
		e.mu.Lock()
		first := !e.deniedWarned
		e.deniedWarned = true
		e.mu.Unlock()
		if first {
			e.warn(apperrors.PermissionDenied(string(protocol.PermissionEdit)))
		}
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	fs.pending = append(fs.pending, changes...)
	if fs.timer != nil {
		fs.timer.Stop()
	}
	fs.timer = time.AfterFunc(e.cfg.BatchWindow, func() { e.flush(path) })
}

// flush sends the pending batch of path, if any.
func (e *Engine) flush(path string) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	fs, ok := e.files[path]
	if e.closed || !ok || len(fs.pending) == 0 {
		e.mu.Unlock()
		return
	}
	changes := fs.pending
	fs.pending = nil
	if fs.timer != nil {
		fs.timer.Stop()
		fs.timer = nil
	}
	fs.nextSeq++
	seq := fs.nextSeq
	e.mu.Unlock()

	msg := protocol.NewFileChange(path, e.cfg.LocalID, e.cfg.UserName, seq, changes)
	if e.cfg.Send == nil {
		return
	}
	if err := e.cfg.Send(msg); err != nil {
		log.Printf("sync: send %s seq %d: %v", path, seq, err)
	}
}

// FlushAll sends every pending batch now.
func (e *Engine) FlushAll() {
	e.mu.Lock()
	var paths []string
	for path, fs := range e.files {
		if len(fs.pending) > 0 {
			paths = append(paths, path)
		}
	}
	e.mu.Unlock()

	for _, path := range paths {
		e.flush(path)
	}
}

// Pending returns the number of unsent changes for path.
func (e *Engine) Pending(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fs, ok := e.files[path]; ok {
		return len(fs.pending)
	}
	return 0
}

// NextSequence returns the sequence the next flush of path will use.
func (e *Engine) NextSequence(path string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fs, ok := e.files[path]; ok {
		return fs.nextSeq + 1
	}
	return 1
}

// LastApplied returns the highest sequence accepted from sender for path.
func (e *Engine) LastApplied(path, sender string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fs, ok := e.files[path]; ok {
		return fs.lastApplied[sender]
	}
	return 0
}

// ForgetSender drops every sequence recorded for sender. A participant
// that reconnects starts its numbering again at 1.
func (e *Engine) ForgetSender(sender string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, fs := range e.files {
		delete(fs.lastApplied, sender)
	}
}

// Files returns the number of files with sync state.
func (e *Engine) Files() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.files)
}

// Ownership returns the tracker the engine stamps.
func (e *Engine) Ownership() *ownership.Tracker {
	return e.cfg.Ownership
}

func (e *Engine) refreshDecorations(path string) {
	if e.cfg.Decorator != nil {
		e.cfg.Decorator.RefreshDecorations(path, e.cfg.Ownership.Blocks(path))
	}
}

// WaitIdle blocks until no apply queue has work, or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.active == 0 {
			e.mu.Unlock()
			return nil
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels timers and in-flight waits, drops every per-file table
// and the dedupe cache, and waits for apply queues to stop. Pending
// batches are discarded; call FlushAll first to send them.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, fs := range e.files {
		if fs.timer != nil {
			fs.timer.Stop()
		}
		if fs.lease != nil {
			fs.lease.stop()
		}
		fs.jobs = nil
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.files = make(map[string]*fileState)
	e.dedupe.reset()
	e.mu.Unlock()
}
