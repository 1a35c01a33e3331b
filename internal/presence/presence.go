// Package presence propagates cursor positions between participants.
//
// Presence is advisory: it never touches document content or the delta
// engine's sequencing state. Outbound selections are debounced per file and
// deduplicated against the last position sent; inbound cursors update a map
// keyed by participant and trigger a debounced redraw.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/pseudocoder/livesync/internal/protocol"
)

// Cursor is one remote participant's last reported position.
type Cursor struct {
	ParticipantID string
	User          string
	Path          string
	Position      protocol.Position
	UpdatedAt     time.Time
}

// Renderer draws the remote cursors of one file. An empty slice clears them.
type Renderer interface {
	RenderCursors(path string, cursors []Cursor)
}

// Config configures an Engine.
type Config struct {
	LocalID  string
	UserName string

	// Debounce is the per-file quiet period before a local selection is sent.
	Debounce time.Duration

	// RedrawDelay coalesces inbound cursor updates into one redraw.
	RedrawDelay time.Duration

	// Send transmits an outbound cursor message. Called without locks held.
	Send func(*protocol.CursorPosition)

	Renderer Renderer
}

type pending struct {
	pos   protocol.Position
	timer *time.Timer
}

// Engine is the per-endpoint presence state.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	pending  map[string]*pending
	lastSent map[string]protocol.Position
	remote   map[string]Cursor
	dirty    map[string]bool
	redraw   *time.Timer
	closed   bool
}

// NewEngine returns a running presence engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		pending:  make(map[string]*pending),
		lastSent: make(map[string]protocol.Position),
		remote:   make(map[string]Cursor),
		dirty:    make(map[string]bool),
	}
}

// LocalSelection records a local cursor move. The newest position wins
// once the file's debounce window passes.
func (e *Engine) LocalSelection(path string, pos protocol.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	p, ok := e.pending[path]
	if !ok {
		if last, sent := e.lastSent[path]; sent && last == pos {
			return
		}
		p = &pending{}
		e.pending[path] = p
	}
	p.pos = pos
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(e.cfg.Debounce, func() { e.flush(path, p) })
}

func (e *Engine) flush(path string, p *pending) {
	e.mu.Lock()
	if e.closed || e.pending[path] != p {
		e.mu.Unlock()
		return
	}
	delete(e.pending, path)

	pos := p.pos
	if last, sent := e.lastSent[path]; sent && last == pos {
		e.mu.Unlock()
		return
	}
	e.lastSent[path] = pos
	send := e.cfg.Send
	e.mu.Unlock()

	if send != nil {
		send(protocol.NewCursorPosition(path, pos, e.cfg.LocalID, e.cfg.UserName))
	}
}

// HandleRemote records an inbound cursor message.
func (e *Engine) HandleRemote(msg *protocol.CursorPosition) {
	if msg.ParticipantID == "" || msg.ParticipantID == e.cfg.LocalID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if prev, ok := e.remote[msg.ParticipantID]; ok && prev.Path != msg.FilePath {
		e.dirty[prev.Path] = true
	}
	e.remote[msg.ParticipantID] = Cursor{
		ParticipantID: msg.ParticipantID,
		User:          msg.User,
		Path:          msg.FilePath,
		Position:      msg.Position,
		UpdatedAt:     time.Now(),
	}
	e.dirty[msg.FilePath] = true
	e.scheduleRedrawLocked()
}

func (e *Engine) scheduleRedrawLocked() {
	if e.redraw != nil {
		return
	}
	e.redraw = time.AfterFunc(e.cfg.RedrawDelay, e.redrawDirty)
}

func (e *Engine) redrawDirty() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.redraw = nil
	frames := make(map[string][]Cursor, len(e.dirty))
	for path := range e.dirty {
		frames[path] = e.cursorsLocked(path)
	}
	e.dirty = make(map[string]bool)
	e.mu.Unlock()

	e.render(frames)
}

func (e *Engine) render(frames map[string][]Cursor) {
	if e.cfg.Renderer == nil {
		return
	}
	paths := make([]string, 0, len(frames))
	for p := range frames {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e.cfg.Renderer.RenderCursors(p, frames[p])
	}
}

// RemoveParticipant drops a departed participant's cursor and redraws its
// file right away.
func (e *Engine) RemoveParticipant(id string) {
	e.mu.Lock()
	c, ok := e.remote[id]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.remote, id)
	delete(e.dirty, c.Path)
	frame := map[string][]Cursor{c.Path: e.cursorsLocked(c.Path)}
	e.mu.Unlock()

	e.render(frame)
}

func (e *Engine) cursorsLocked(path string) []Cursor {
	var out []Cursor
	for _, c := range e.remote {
		if c.Path == path {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Cursors returns the remote cursors currently in path.
func (e *Engine) Cursors(path string) []Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursorsLocked(path)
}

// Count returns the number of tracked remote cursors.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.remote)
}

// Close cancels pending timers and clears every rendered cursor.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, p := range e.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	if e.redraw != nil {
		e.redraw.Stop()
	}
	frames := make(map[string][]Cursor)
	for _, c := range e.remote {
		frames[c.Path] = nil
	}
	e.pending = make(map[string]*pending)
	e.remote = make(map[string]Cursor)
	e.dirty = make(map[string]bool)
	e.mu.Unlock()

	e.render(frames)
}
