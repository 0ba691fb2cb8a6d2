package conversations

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCommitAndContinuation(t *testing.T) {
	s := NewStore()

	h := s.Acquire("conv-1")
	if h.HasHistory() {
		t.Fatal("fresh conversation reports history")
	}
	if h.Continuation() != nil {
		t.Fatal("fresh conversation has continuation")
	}
	h.Commit([]string{"c1", "r1", "rc1"}, "gemini-3.0-flash")
	h.Release()

	h = s.Acquire("conv-1")
	defer h.Release()
	got := h.Continuation()
	if len(got) != 3 || got[0] != "c1" || got[2] != "rc1" {
		t.Fatalf("continuation = %v", got)
	}
	if !h.HasHistory() {
		t.Fatal("committed conversation reports no history")
	}
	if h.Model() != "gemini-3.0-flash" {
		t.Fatalf("model = %q", h.Model())
	}
}

func TestFailedTurnLeavesStateUntouched(t *testing.T) {
	s := NewStore()

	h := s.Acquire("conv-1")
	h.Commit([]string{"c1", "r1", "rc1"}, "m")
	h.Release()

	// A failed turn acquires and releases without committing.
	h = s.Acquire("conv-1")
	h.Release()

	h = s.Acquire("conv-1")
	defer h.Release()
	if got := h.Continuation(); got[1] != "r1" {
		t.Fatalf("continuation = %v", got)
	}
	if turns := 1; !h.HasHistory() || h.e.state.Turns != turns {
		t.Fatalf("turns = %d, want %d", h.e.state.Turns, turns)
	}
}

func TestResetDropsContinuation(t *testing.T) {
	s := NewStore()
	h := s.Acquire("conv-1")
	h.Commit([]string{"c1", "r1", "rc1"}, "m")
	h.Reset()
	if h.Continuation() != nil || h.HasHistory() {
		t.Fatal("reset did not clear state")
	}
	h.Release()
}

func TestAcquireSerializesSameConversation(t *testing.T) {
	s := NewStore()
	var inTurn atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := s.Acquire("conv-1")
			defer h.Release()
			if inTurn.Add(1) != 1 {
				t.Error("two turns in flight for one conversation")
			}
			time.Sleep(time.Millisecond)
			inTurn.Add(-1)
			h.Commit([]string{"c", "r", "rc"}, "m")
		}()
	}
	wg.Wait()

	h := s.Acquire("conv-1")
	defer h.Release()
	if h.e.state.Turns != 10 {
		t.Fatalf("turns = %d, want 10", h.e.state.Turns)
	}
}

func TestDistinctConversationsDoNotBlock(t *testing.T) {
	s := NewStore()
	h1 := s.Acquire("conv-1")
	defer h1.Release()

	done := make(chan struct{})
	go func() {
		h2 := s.Acquire("conv-2")
		h2.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second conversation blocked behind the first")
	}
}

func TestDeleteAndList(t *testing.T) {
	s := NewStore()
	h := s.Acquire("a")
	h.Commit([]string{"c", "r", "rc"}, "m")
	h.Release()
	h = s.Acquire("b")
	h.Release()

	if got := s.Len(); got != 2 {
		t.Fatalf("len = %d", got)
	}
	s.Delete("b")
	list := s.List()
	if len(list) != 1 || list[0].ID != "a" || list[0].Turns != 1 {
		t.Fatalf("list = %+v", list)
	}
}
