// Package ownership tracks, per file, which participant last touched each
// line. It is a side table derived from applied deltas: it never affects
// what text ends up in a document and can be rebuilt from the delta stream.
package ownership

import (
	"sort"
	"strings"
	"sync"

	"github.com/pseudocoder/livesync/internal/protocol"
)

// Block is a run of contiguous lines last touched by the same user.
// Lines are zero-based and inclusive.
type Block struct {
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	User      string `json:"user"`
}

// Tracker holds the per-file line ownership maps for one endpoint.
type Tracker struct {
	mu    sync.Mutex
	files map[string]map[int]string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{files: make(map[string]map[int]string)}
}

// Record applies the line effects of changes, in order, to the ownership
// map of path. Lines below each edit shift by its net line delta and every
// line the edit covers after applying it is stamped with user.
func (t *Tracker) Record(path string, changes []protocol.Change, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := t.files[path]
	if lines == nil {
		lines = make(map[int]string)
		t.files[path] = lines
	}

	for _, ch := range changes {
		start, end := ch.Range.Start.Line, ch.Range.End.Line
		if end < start {
			start, end = end, start
		}
		if start < 0 {
			start = 0
		}
		inserted := strings.Count(ch.Text, "\n")
		delta := inserted - (end - start)

		if delta != 0 {
			shifted := make(map[int]string, len(lines))
			for line, owner := range lines {
				switch {
				case line < start:
					shifted[line] = owner
				case line > end:
					shifted[line+delta] = owner
				}
			}
			lines = shifted
			t.files[path] = lines
		}

		for line := start; line <= start+inserted; line++ {
			lines[line] = user
		}
	}
}

// Owner returns who last touched line in path.
func (t *Tracker) Owner(path string, line int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, ok := t.files[path][line]
	return owner, ok
}

// Blocks returns contiguous same-author runs for path, in line order.
func (t *Tracker) Blocks(path string) []Block {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := t.files[path]
	if len(lines) == 0 {
		return nil
	}

	nums := make([]int, 0, len(lines))
	for line := range lines {
		nums = append(nums, line)
	}
	sort.Ints(nums)

	var blocks []Block
	for _, line := range nums {
		user := lines[line]
		if n := len(blocks); n > 0 && blocks[n-1].User == user && blocks[n-1].EndLine == line-1 {
			blocks[n-1].EndLine = line
			continue
		}
		blocks = append(blocks, Block{StartLine: line, EndLine: line, User: user})
	}
	return blocks
}

// Reset forgets ownership for one file, e.g. after a full snapshot
// replaced its content.
func (t *Tracker) Reset(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
}

// Clear forgets everything. Called on session teardown.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[string]map[int]string)
}

// Files returns the number of files with ownership entries.
func (t *Tracker) Files() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
