package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mu.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadCreatesFirstRunState(t *testing.T) {
	s := testStore(t)

	st, err := s.Load("Mu", "emergence")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.AgentName != "Mu" || st.CurrentDay != 1 || st.CurrentPhase != "emergence" {
		t.Errorf("first-run state = %+v", st)
	}
	if st.Version != 1 {
		t.Errorf("Version = %d, want 1", st.Version)
	}

	// A second load reads the same row back.
	again, err := s.Load("ignored", "ignored")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.AgentName != "Mu" || again.Version != 1 {
		t.Errorf("reloaded state = %+v", again)
	}
}

func TestCommitRoundTrip(t *testing.T) {
	s := testStore(t)

	st, err := s.Load("Mu", "emergence")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	st.CurrentDay = 7
	st.TotalPosts = 3

	if err := s.Commit(st, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if st.Version != 2 {
		t.Errorf("Version after commit = %d, want 2", st.Version)
	}

	reloaded, err := s.Load("Mu", "emergence")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.CurrentDay != 7 || reloaded.TotalPosts != 3 || reloaded.Version != 2 {
		t.Errorf("reloaded = day %d, posts %d, version %d",
			reloaded.CurrentDay, reloaded.TotalPosts, reloaded.Version)
	}
}

func TestCommitDetectsStaleState(t *testing.T) {
	s := testStore(t)

	first, err := s.Load("Mu", "emergence")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := s.Load("Mu", "emergence")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	first.TotalPosts = 1
	if err := s.Commit(first, nil); err != nil {
		t.Fatalf("first Commit: %v", err)
	}

	second.TotalPosts = 99
	err = s.Commit(second, nil)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("second Commit err = %v, want ErrStaleState", err)
	}

	// The stale commit must have written nothing.
	reloaded, err := s.Load("Mu", "emergence")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.TotalPosts != 1 {
		t.Errorf("TotalPosts = %d, want 1 from the winning commit", reloaded.TotalPosts)
	}
}

func TestStaleCommitAppendsNoHistory(t *testing.T) {
	s := testStore(t)

	first, _ := s.Load("Mu", "emergence")
	second, _ := s.Load("Mu", "emergence")
	if err := s.Commit(first, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	delta := &Delta{
		Posts:  []PostRecord{{MoltbookID: "p1", Day: 1, Title: "t"}},
		Events: []EventRecord{{Type: "silence", Day: 1}},
	}
	if err := s.Commit(second, delta); !errors.Is(err, ErrStaleState) {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}

	events, err := s.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("stale commit leaked %d events into history", len(events))
	}
}

func TestCommitAppendsDelta(t *testing.T) {
	s := testStore(t)

	st, _ := s.Load("Mu", "emergence")
	delta := &Delta{
		Posts: []PostRecord{{MoltbookID: "p1", Day: 1, Title: "Day 1", Breadcrumbs: []string{"無"}}},
		Comments: []CommentRecord{
			{MoltbookID: "c1", PostID: "p9", Content: "words", Tone: "warm"},
		},
		Interactions: []InteractionRecord{{Type: "upvote", TargetAgent: "x", TargetID: "p9"}},
		Events: []EventRecord{
			{Type: "day_skip", Day: 13, Description: "day 13 does not exist"},
			{Type: "silence", Day: 1, Description: "stillness"},
		},
	}
	if err := s.Commit(st, delta); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	events, err := s.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&count); err != nil {
		t.Fatalf("count posts: %v", err)
	}
	if count != 1 {
		t.Errorf("posts rows = %d, want 1", count)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM interactions`).Scan(&count); err != nil {
		t.Fatalf("count interactions: %v", err)
	}
	if count != 1 {
		t.Errorf("interactions rows = %d, want 1", count)
	}
}

func TestControlFlags(t *testing.T) {
	s := testStore(t)

	paused, err := s.Paused()
	if err != nil {
		t.Fatalf("Paused: %v", err)
	}
	if paused {
		t.Error("fresh store should not be paused")
	}

	if err := s.SetPaused(true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	if paused, _ = s.Paused(); !paused {
		t.Error("pause flag did not stick")
	}

	if err := s.SetPaused(false); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	if paused, _ = s.Paused(); paused {
		t.Error("resume did not clear the flag")
	}
}

func TestInstructionQueue(t *testing.T) {
	s := testStore(t)

	inst, err := s.PendingInstruction()
	if err != nil {
		t.Fatalf("PendingInstruction: %v", err)
	}
	if inst != nil {
		t.Fatalf("fresh store has pending instruction %+v", inst)
	}

	id1, err := s.EnqueueInstruction("speak about doors")
	if err != nil {
		t.Fatalf("EnqueueInstruction: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.EnqueueInstruction("stay silent"); err != nil {
		t.Fatalf("EnqueueInstruction: %v", err)
	}

	// Oldest first.
	inst, err = s.PendingInstruction()
	if err != nil {
		t.Fatalf("PendingInstruction: %v", err)
	}
	if inst == nil || inst.ID != id1 {
		t.Fatalf("pending = %+v, want id %s", inst, id1)
	}

	if err := s.CompleteInstruction(inst.ID, "action=post"); err != nil {
		t.Fatalf("CompleteInstruction: %v", err)
	}
	inst, err = s.PendingInstruction()
	if err != nil {
		t.Fatalf("PendingInstruction: %v", err)
	}
	if inst == nil || inst.Instruction != "stay silent" {
		t.Fatalf("pending after complete = %+v, want the second instruction", inst)
	}
}

func TestAcquireHeartbeat(t *testing.T) {
	s := testStore(t)

	release, err := s.AcquireHeartbeat(time.Hour)
	if err != nil {
		t.Fatalf("AcquireHeartbeat: %v", err)
	}

	held, err := s.GetFlag("heartbeat_inflight", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcquireHeartbeat(time.Hour); err == nil {
		t.Error("second acquire should fail while the marker is held")
	}
	after, err := s.GetFlag("heartbeat_inflight", "")
	if err != nil {
		t.Fatal(err)
	}
	if after != held {
		t.Errorf("losing acquire overwrote the marker: %q -> %q", held, after)
	}

	release()
	release2, err := s.AcquireHeartbeat(time.Hour)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestAcquireHeartbeatTakesOverStaleMarker(t *testing.T) {
	s := testStore(t)

	if _, err := s.AcquireHeartbeat(time.Hour); err != nil {
		t.Fatalf("AcquireHeartbeat: %v", err)
	}
	// The holder never released: a zero stale threshold treats any marker
	// as abandoned.
	release, err := s.AcquireHeartbeat(0)
	if err != nil {
		t.Fatalf("takeover of stale marker: %v", err)
	}
	release()
}
