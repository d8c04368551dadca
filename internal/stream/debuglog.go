package stream

import (
	"sync"
	"time"
)

const defaultDebugLines = 50

// DebugEntry is one line of the stream debug log.
type DebugEntry struct {
	At   time.Time `json:"at"`
	Type string    `json:"type"`
	Data string    `json:"data,omitempty"`
}

// DebugLog keeps the most recent stream lifecycle and message lines.
type DebugLog struct {
	mu      sync.Mutex
	max     int
	entries []DebugEntry // oldest first
}

func NewDebugLog(lines int) *DebugLog {
	if lines <= 0 {
		lines = defaultDebugLines
	}
	return &DebugLog{max: lines}
}

func (l *DebugLog) Add(typ, data string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, DebugEntry{At: time.Now(), Type: typ, Data: data})
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
}

// Entries returns the log newest first.
func (l *DebugLog) Entries() []DebugEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DebugEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

func (l *DebugLog) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// recentIDs remembers the last n message ids for duplicate suppression.
type recentIDs struct {
	ring []string
	set  map[string]struct{}
	next int
}

func newRecentIDs(n int) *recentIDs {
	if n <= 0 {
		n = 512
	}
	return &recentIDs{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

// seen records id and reports whether it was already present.
func (r *recentIDs) seen(id string) bool {
	if _, ok := r.set[id]; ok {
		return true
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return false
}
