// Package logstore keeps recent log lines in a bounded in-memory ring for
// the admin API and its websocket stream. Nothing is persisted; a restart
// starts with an empty buffer.
package logstore

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const defaultMaxLines = 5000

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	Level string
	Query string
	Limit int
}

type Store struct {
	mu       sync.RWMutex
	maxLines int
	entries  []Entry
	seq      int64

	subMu sync.Mutex
	subs  map[chan Entry]struct{}
}

func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Store{
		maxLines: maxLines,
		entries:  []Entry{},
		subs:     map[chan Entry]struct{}{},
	}
}

// Add records one log line and fans it out to live subscribers.
func (s *Store) Add(level, message string, ts time.Time) {
	message = strings.TrimSpace(stripANSI(message))
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.mu.Lock()
	s.seq++
	e := Entry{
		ID:        fmt.Sprintf("log-%d", s.seq),
		Timestamp: ts.UTC(),
		Level:     normalizeLevel(level),
		Message:   message,
	}
	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxLines {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.maxLines:]...)
	}
	s.mu.Unlock()

	s.subMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default: // slow subscriber, drop rather than block logging
		}
	}
	s.subMu.Unlock()
}

// List returns newest-first entries matching the filter.
func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level := normalizeLevel(filter.Level)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	out := []Entry{}
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if level != "" && level != "all" && levelRank(e.Level) < levelRank(level) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = s.entries[:0]
	s.mu.Unlock()
}

// Subscribe returns a channel of new entries; call the cancel func to stop.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
	return ch, cancel
}

// Writer returns an io.Writer suitable as a logger tee; complete lines are
// parsed for level and message.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		if line != "" {
			w.store.Add(extractLevel(line), extractMessage(line), time.Now().UTC())
		}
	}
	w.mu.Unlock()
	return len(p), nil
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "debu":
		return "debug"
	case "info", "inf":
		return "info"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "erro", "err":
		return "error"
	case "fatal", "fata":
		return "fatal"
	case "all":
		return "all"
	default:
		return ""
	}
}

func levelRank(level string) int {
	switch normalizeLevel(level) {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	case "fatal":
		return 4
	default:
		return 1
	}
}

// extractLevel classifies a rendered log line. The charm text renderer
// prints a four-letter level tag (INFO, WARN, ERRO, DEBU, FATA).
func extractLevel(line string) string {
	u := " " + strings.ToUpper(stripANSI(line)) + " "
	for _, probe := range []struct{ tag, level string }{
		{"DEBU", "debug"},
		{"WARN", "warn"},
		{"ERRO", "error"},
		{"FATA", "fatal"},
		{"INFO", "info"},
	} {
		if strings.Contains(u, " "+probe.tag+" ") || strings.Contains(u, " "+probe.tag+"\t") {
			return probe.level
		}
	}
	return "info"
}

// extractMessage trims the leading timestamp and level tag, keeping the
// message and its key-value fields.
func extractMessage(line string) string {
	fields := strings.Fields(stripANSI(line))
	start := 0
	for start < len(fields) && start < 3 {
		f := fields[start]
		if looksTimestampToken(f) || looksLevelToken(f) {
			start++
			continue
		}
		break
	}
	if start >= len(fields) {
		return strings.TrimSpace(stripANSI(line))
	}
	return strings.Join(fields[start:], " ")
}

// looksTimestampToken matches date and clock tokens: the charm renderer
// prints the timestamp as "2006/01/02 15:04:05", two fields.
func looksTimestampToken(v string) bool {
	if v == "" || v[0] < '0' || v[0] > '9' {
		return false
	}
	return strings.ContainsAny(v, ":/-")
}

func looksLevelToken(v string) bool {
	switch strings.ToUpper(v) {
	case "DEBU", "DEBUG", "INFO", "WARN", "WARNING", "ERRO", "ERROR", "FATA", "FATAL":
		return true
	}
	return false
}

func stripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
