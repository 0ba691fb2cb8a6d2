package uploads

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/pkg/cache"
)

var (
	ErrTooLarge        = errors.New("uploads: file exceeds size limit")
	ErrUnsupportedType = errors.New("uploads: unsupported content type")
	ErrNotFound        = errors.New("uploads: file not found")
)

// allowedAppTypes are the non-prefix content types accepted next to the
// image/, text/, audio/ and video/ families.
var allowedAppTypes = map[string]bool{
	"application/pdf":          true,
	"application/json":         true,
	"application/xml":          true,
	"application/octet-stream": true,
	"application/zip":          true,
}

// File is one uploaded attachment held in memory until its TTL lapses.
type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"filename"`
	MIME      string    `json:"content_type"`
	Size      int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
	Data      []byte    `json:"-"`
}

// Store keeps uploads in memory with per-file expiry. Nothing is written to
// disk; a restart forgets everything, matching the conversation store.
type Store struct {
	files    *cache.TTLMap[string, File]
	maxBytes int64
	ttl      time.Duration
}

func NewStore(maxFileMB, ttlHours int) *Store {
	if maxFileMB <= 0 {
		maxFileMB = 50
	}
	if ttlHours <= 0 {
		ttlHours = 24
	}
	return &Store{
		files:    cache.NewTTLMap[string, File](),
		maxBytes: int64(maxFileMB) << 20,
		ttl:      time.Duration(ttlHours) * time.Hour,
	}
}

func typeAllowed(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	for _, prefix := range []string{"image/", "text/", "audio/", "video/"} {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return allowedAppTypes[mime]
}

// MaxBytes is the per-file size cap.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Put validates and stores a new file, returning its generated id.
func (s *Store) Put(name, mime string, data []byte) (File, error) {
	if int64(len(data)) > s.maxBytes {
		return File{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.maxBytes)
	}
	if !typeAllowed(mime) {
		return File{}, fmt.Errorf("%w: %q", ErrUnsupportedType, mime)
	}
	now := time.Now()
	f := File{
		ID:        "file-" + uuid.NewString(),
		Name:      strings.TrimSpace(name),
		MIME:      mime,
		Size:      int64(len(data)),
		CreatedAt: now,
		Data:      data,
	}
	s.files.SetWithTTL(f.ID, f, now, s.ttl)
	return f, nil
}

// Get returns a stored file if it exists and has not expired.
func (s *Store) Get(id string) (File, error) {
	f, ok := s.files.GetFresh(id, time.Now())
	if !ok {
		return File{}, ErrNotFound
	}
	return f, nil
}

func (s *Store) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	s.files.Delete(id)
	return nil
}

// List returns metadata for all live files, newest first, without payload
// bytes.
func (s *Store) List() []File {
	now := time.Now()
	out := []File{}
	for _, entry := range s.files.Entries() {
		if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
			continue
		}
		f := entry.Value
		f.Data = nil
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Prune drops expired files and reports how many were removed.
func (s *Store) Prune() int {
	return s.files.Prune(time.Now())
}

// RunPruner evicts expired files periodically until stop is closed.
func (s *Store) RunPruner(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}
