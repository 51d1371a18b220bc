package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAppendAssignsSequence(t *testing.T) {
	s := NewStore(0, nil)

	first := s.Append("a", RoleUser, "hello", "")
	second := s.Append("a", RoleAssistant, "hi", "")

	if first.Seq != 0 {
		t.Errorf("first Seq = %d, want 0", first.Seq)
	}
	if second.Seq != 1 {
		t.Errorf("second Seq = %d, want 1", second.Seq)
	}
	if first.Time.IsZero() || second.Time.IsZero() {
		t.Error("appended turns should carry timestamps")
	}
}

func TestHistoryIsolation(t *testing.T) {
	s := NewStore(0, nil)

	s.Append("a", RoleUser, "for a", "")
	s.Append("b", RoleUser, "for b", "")

	a := s.History("a")
	b := s.History("b")

	if len(a) != 1 || a[0].Content != "for a" {
		t.Errorf("session a history = %+v", a)
	}
	if len(b) != 1 || b[0].Content != "for b" {
		t.Errorf("session b history = %+v", b)
	}
}

func TestHistoryUnknownSession(t *testing.T) {
	s := NewStore(0, nil)
	if got := s.History("nope"); len(got) != 0 {
		t.Errorf("History of unknown session = %+v, want empty", got)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := NewStore(0, nil)
	s.Append("a", RoleUser, "original", "")

	h := s.History("a")
	h[0].Content = "mutated"

	if got := s.History("a")[0].Content; got != "original" {
		t.Errorf("store content = %q after mutating snapshot, want %q", got, "original")
	}
}

func TestMaxTurnsTrim(t *testing.T) {
	s := NewStore(3, nil)

	for i := 0; i < 5; i++ {
		s.Append("a", RoleUser, fmt.Sprintf("msg %d", i), "")
	}

	h := s.History("a")
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[0].Content != "msg 2" {
		t.Errorf("oldest retained = %q, want %q", h[0].Content, "msg 2")
	}
	// Sequence numbers keep counting across the trim.
	if h[2].Seq != 4 {
		t.Errorf("newest Seq = %d, want 4", h[2].Seq)
	}
}

func TestClear(t *testing.T) {
	s := NewStore(0, nil)
	s.Append("a", RoleUser, "one", "")
	s.Append("a", RoleAssistant, "two", "")

	s.Clear("a")

	if got := s.History("a"); len(got) != 0 {
		t.Fatalf("history after clear = %+v, want empty", got)
	}

	// The session survives and restarts numbering.
	turn := s.Append("a", RoleUser, "fresh", "")
	if turn.Seq != 0 {
		t.Errorf("Seq after clear = %d, want 0", turn.Seq)
	}
}

func TestClearUnknownSessionIsNoop(t *testing.T) {
	s := NewStore(0, nil)
	s.Clear("nope") // must not panic or create the session

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sessions) != 0 {
		t.Errorf("sessions = %d after clearing unknown id, want 0", len(s.sessions))
	}
}

func TestClearAll(t *testing.T) {
	s := NewStore(0, nil)
	s.Append("a", RoleUser, "x", "")
	s.Append("b", RoleUser, "y", "")

	if n := s.ClearAll(); n != 2 {
		t.Errorf("ClearAll = %d, want 2", n)
	}
	if len(s.History("a")) != 0 || len(s.History("b")) != 0 {
		t.Error("histories should be empty after ClearAll")
	}
}

func TestDrop(t *testing.T) {
	s := NewStore(0, nil)
	s.Append("a", RoleUser, "x", "")

	s.Drop("a")

	if got := s.History("a"); len(got) != 0 {
		t.Errorf("history after drop = %+v, want empty", got)
	}
}

func TestEvictIdle(t *testing.T) {
	s := NewStore(0, nil)
	s.Append("old", RoleUser, "x", "")

	// Backdate the session's last activity.
	s.mu.RLock()
	sess := s.sessions["old"]
	s.mu.RUnlock()
	sess.mu.Lock()
	sess.lastActive = time.Now().Add(-3 * time.Hour)
	sess.mu.Unlock()

	s.Append("fresh", RoleUser, "y", "")

	if n := s.EvictIdle(time.Hour); n != 1 {
		t.Fatalf("EvictIdle = %d, want 1", n)
	}
	if len(s.History("fresh")) != 1 {
		t.Error("fresh session should survive eviction")
	}
}

func TestConcurrentAppendIsolation(t *testing.T) {
	s := NewStore(0, nil)
	const perSession = 50

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				s.Append(id, RoleUser, id, "")
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		h := s.History(id)
		if len(h) != perSession {
			t.Errorf("session %s turns = %d, want %d", id, len(h), perSession)
		}
		for i, turn := range h {
			if turn.Content != id {
				t.Fatalf("session %s leaked foreign turn %q", id, turn.Content)
			}
			if turn.Seq != i {
				t.Fatalf("session %s Seq[%d] = %d, want %d", id, i, turn.Seq, i)
			}
		}
	}
}

func TestStats(t *testing.T) {
	s := NewStore(10, nil)
	s.Append("a", RoleUser, "x", "")
	s.Append("a", RoleAssistant, "y", "")
	s.Append("b", RoleUser, "z", "")

	stats := s.Stats()
	if stats["sessions"] != 2 {
		t.Errorf("sessions = %v, want 2", stats["sessions"])
	}
	if stats["turns"] != 3 {
		t.Errorf("turns = %v, want 3", stats["turns"])
	}
}
