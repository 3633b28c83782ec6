package web

import (
	"strings"
	"sync"
	"time"
)

// DefaultLogEntries is the ring size served by GET /logs.
const DefaultLogEntries = 100

// LogEntry is one retained log line.
type LogEntry struct {
	Time  time.Time `json:"t"`
	Level string    `json:"l"`
	Msg   string    `json:"msg"`
}

// LogRing keeps the last N log lines. It implements io.Writer so it can be
// teed with the debug output.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogRing creates a ring holding n entries.
func NewLogRing(n int) *LogRing {
	if n <= 0 {
		n = DefaultLogEntries
	}
	return &LogRing{entries: make([]LogEntry, n)}
}

// Add appends an entry, overwriting the oldest once full.
func (l *LogRing) Add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = LogEntry{Time: time.Now(), Level: level, Msg: msg}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (l *LogRing) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

func (l *LogRing) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			l.Add(levelOf(line), line)
		}
	}
	return len(p), nil
}
