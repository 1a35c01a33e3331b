package editor

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pseudocoder/livesync/internal/protocol"
)

// Positions use zero-based lines and UTF-16 code unit columns, the same
// convention editors put on the wire. Out-of-range positions clamp: a line
// past the end maps to the end of the text, a column past the end of a
// line maps to the end of that line.

// runeUnits is the UTF-16 length of r.
func runeUnits(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

// OffsetAt converts a position to a byte offset into text.
func OffsetAt(text string, pos protocol.Position) int {
	if pos.Line < 0 {
		return 0
	}

	lineStart := 0
	for line := 0; line < pos.Line; line++ {
		i := strings.IndexByte(text[lineStart:], '\n')
		if i < 0 {
			return len(text)
		}
		lineStart += i + 1
	}

	lineEnd := len(text)
	if i := strings.IndexByte(text[lineStart:], '\n'); i >= 0 {
		lineEnd = lineStart + i
	}
	if lineEnd > lineStart && text[lineEnd-1] == '\r' {
		lineEnd--
	}

	units := 0
	off := lineStart
	for off < lineEnd && units < pos.Character {
		r, size := utf8.DecodeRuneInString(text[off:])
		units += runeUnits(r)
		off += size
	}
	return off
}

// PositionAt converts a byte offset into text to a position.
func PositionAt(text string, offset int) protocol.Position {
	if offset > len(text) {
		offset = len(text)
	}
	if offset < 0 {
		offset = 0
	}
	prefix := text[:offset]
	line := strings.Count(prefix, "\n")
	lineStart := strings.LastIndexByte(prefix, '\n') + 1
	return protocol.Position{Line: line, Character: UTF16Len(prefix[lineStart:])}
}

// EndPosition returns the position just past the last character.
func EndPosition(text string) protocol.Position {
	return PositionAt(text, len(text))
}

// LineCount returns the number of lines in text; empty text has one line.
func LineCount(text string) int {
	return strings.Count(text, "\n") + 1
}

// ApplyChanges applies changes to text one after another, each against the
// result of the previous one. A range given end-before-start is normalized.
func ApplyChanges(text string, changes []protocol.Change) string {
	for _, ch := range changes {
		start := OffsetAt(text, ch.Range.Start)
		end := OffsetAt(text, ch.Range.End)
		if end < start {
			start, end = end, start
		}
		text = text[:start] + ch.Text + text[end:]
	}
	return text
}

// ReplaceAll returns the single change that turns old into new.
func ReplaceAll(old, new string) protocol.Change {
	return protocol.Change{
		Range:       protocol.Range{End: EndPosition(old)},
		RangeLength: UTF16Len(old),
		Text:        new,
	}
}

// Diff returns the minimal single change (common prefix and suffix
// trimmed) that turns old into new, or false when they are equal.
func Diff(old, new string) (protocol.Change, bool) {
	if old == new {
		return protocol.Change{}, false
	}

	prefix := 0
	for prefix < len(old) && prefix < len(new) && old[prefix] == new[prefix] {
		prefix++
	}
	// Never split a multi-byte rune.
	for prefix > 0 && prefix < len(old) && !utf8.RuneStart(old[prefix]) {
		prefix--
	}

	suffix := 0
	for suffix < len(old)-prefix && suffix < len(new)-prefix &&
		old[len(old)-1-suffix] == new[len(new)-1-suffix] {
		suffix++
	}
	for suffix > 0 && !utf8.RuneStart(old[len(old)-suffix]) {
		suffix--
	}

	oldEnd := len(old) - suffix
	start := PositionAt(old, prefix)
	return protocol.Change{
		Range:       protocol.Range{Start: start, End: PositionAt(old, oldEnd)},
		RangeOffset: UTF16Len(old[:prefix]),
		RangeLength: UTF16Len(old[prefix:oldEnd]),
		Text:        new[prefix : len(new)-suffix],
	}, true
}
