// Package transcript holds the canonical, index-ordered transcript of a
// capture session.
package transcript

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Separator joins segment texts in the assembled transcript
const Separator = " "

// Segment is the transcribed text of one chunk. Immutable once created.
type Segment struct {
	SequenceIndex int       `json:"sequenceIndex"`
	Text          string    `json:"text"`
	CapturedAt    time.Time `json:"capturedAt"`
	IsFinal       bool      `json:"isFinal"`
}

// Buffer keeps finalized segments sorted by SequenceIndex regardless of
// the order completions arrive in. Segments are never removed or replaced.
type Buffer struct {
	mu       sync.RWMutex
	segments []Segment
	onChange func(Segment)
}

// NewBuffer creates an empty transcript buffer
func NewBuffer() *Buffer {
	return &Buffer{}
}

// OnInsert registers a callback run (outside the lock) after each accepted insert
func (b *Buffer) OnInsert(fn func(Segment)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Insert adds a segment at its index position. A second segment for an
// index that is already present is ignored and Insert returns false.
func (b *Buffer) Insert(seg Segment) bool {
	b.mu.Lock()

	pos := sort.Search(len(b.segments), func(i int) bool {
		return b.segments[i].SequenceIndex >= seg.SequenceIndex
	})
	if pos < len(b.segments) && b.segments[pos].SequenceIndex == seg.SequenceIndex {
		b.mu.Unlock()
		return false
	}

	b.segments = append(b.segments, Segment{})
	copy(b.segments[pos+1:], b.segments[pos:])
	b.segments[pos] = seg
	onChange := b.onChange
	b.mu.Unlock()

	if onChange != nil {
		onChange(seg)
	}
	return true
}

// Segments returns a copy of the segments in index order
func (b *Buffer) Segments() []Segment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Segment, len(b.segments))
	copy(out, b.segments)
	return out
}

// Len returns the number of segments
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.segments)
}

// Text assembles the canonical transcript: final, non-empty segment texts
// in index order joined by Separator.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	parts := make([]string, 0, len(b.segments))
	for _, seg := range b.segments {
		text := strings.TrimSpace(seg.Text)
		if !seg.IsFinal || text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, Separator)
}
