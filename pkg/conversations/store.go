package conversations

import (
	"sort"
	"sync"
	"time"
)

// State is what survives between turns of one conversation: the backend
// continuation triple [cid, rid, rcid] plus bookkeeping for the admin view.
type State struct {
	Metadata  []string
	Model     string
	Turns     int
	UpdatedAt time.Time
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Store keeps per-conversation continuation state in memory. Acquire hands
// out a locked handle, so turns within one conversation run strictly one at
// a time while unrelated conversations proceed in parallel.
type Store struct {
	mu    sync.Mutex
	convs map[string]*entry
}

func NewStore() *Store {
	return &Store{convs: map[string]*entry{}}
}

// Handle is exclusive access to one conversation's state. Callers must
// Release it when the turn finishes, success or not.
type Handle struct {
	id string
	e  *entry
}

// Acquire locks the conversation and returns its handle, creating empty
// state for ids never seen before. Blocks while another turn for the same
// id is in flight.
func (s *Store) Acquire(id string) *Handle {
	s.mu.Lock()
	e, ok := s.convs[id]
	if !ok {
		e = &entry{}
		s.convs[id] = e
	}
	s.mu.Unlock()
	e.mu.Lock()
	return &Handle{id: id, e: e}
}

func (h *Handle) ID() string { return h.id }

// Continuation returns a copy of the stored triple; nil for a fresh
// conversation.
func (h *Handle) Continuation() []string {
	if len(h.e.state.Metadata) == 0 {
		return nil
	}
	out := make([]string, len(h.e.state.Metadata))
	copy(out, h.e.state.Metadata)
	return out
}

func (h *Handle) Model() string { return h.e.state.Model }

// HasHistory reports whether at least one turn committed before.
func (h *Handle) HasHistory() bool { return h.e.state.Turns > 0 }

// Commit stores the continuation returned by a successful backend turn.
// Never called on failure, so a failed turn leaves the conversation exactly
// where it was.
func (h *Handle) Commit(metadata []string, model string) {
	md := make([]string, len(metadata))
	copy(md, metadata)
	h.e.state.Metadata = md
	h.e.state.Model = model
	h.e.state.Turns++
	h.e.state.UpdatedAt = time.Now()
}

// Reset drops the continuation so the next turn starts a fresh backend
// conversation under the same id.
func (h *Handle) Reset() {
	h.e.state = State{}
}

func (h *Handle) Release() {
	h.e.mu.Unlock()
}

// Delete forgets a conversation. In-flight handles keep their entry; the
// next Acquire for the id starts clean.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()
}

// Summary is the admin-facing view of one conversation.
type Summary struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List snapshots all conversations, newest first. Entries busy with an
// in-flight turn are skipped rather than blocked on.
func (s *Store) List() []Summary {
	s.mu.Lock()
	ids := make([]string, 0, len(s.convs))
	entries := make([]*entry, 0, len(s.convs))
	for id, e := range s.convs {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(ids))
	for i, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		st := e.state
		e.mu.Unlock()
		out = append(out, Summary{
			ID:        ids[i],
			Model:     st.Model,
			Turns:     st.Turns,
			UpdatedAt: st.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Len reports how many conversations are tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}
