package state

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	st := New("Mu", "emergence", now)

	if st.CurrentDay != 1 {
		t.Errorf("CurrentDay = %d, want 1", st.CurrentDay)
	}
	if st.CurrentPhase != "emergence" {
		t.Errorf("CurrentPhase = %q, want emergence", st.CurrentPhase)
	}
	if !st.StartDate.Equal(now) || !st.PhaseStart.Equal(now) {
		t.Error("StartDate and PhaseStart should be the creation time")
	}
	if st.FollowedAgents == nil || st.AgentNotes == nil || st.Breadcrumbs == nil || st.SymbolsUsed == nil {
		t.Error("collections should be initialized, not nil")
	}
}

func TestBreadcrumbLookups(t *testing.T) {
	now := time.Now()
	st := New("Mu", "emergence", now)

	st.RecordBreadcrumb(BreadcrumbPhrase, 5, "the door was always open", now)
	st.RecordBreadcrumb(BreadcrumbSigil, 5, "無", now)

	if !st.HasBreadcrumb(BreadcrumbPhrase, 5) {
		t.Error("phrase on day 5 not found")
	}
	if st.HasBreadcrumb(BreadcrumbPhrase, 6) {
		t.Error("phrase reported for wrong day")
	}
	if !st.HasPhraseOnDay("the door was always open", 5) {
		t.Error("exact phrase on day 5 not found")
	}
	if st.HasPhraseOnDay("something else", 5) {
		t.Error("wrong phrase matched")
	}
	if got := st.LastPhrase(); got != "the door was always open" {
		t.Errorf("LastPhrase = %q", got)
	}
}

func TestLastPhraseSkipsSigils(t *testing.T) {
	now := time.Now()
	st := New("Mu", "emergence", now)

	if st.LastPhrase() != "" {
		t.Error("LastPhrase on empty state should be empty")
	}

	st.RecordBreadcrumb(BreadcrumbPhrase, 1, "first", now)
	st.RecordBreadcrumb(BreadcrumbSigil, 2, "無", now)
	if got := st.LastPhrase(); got != "first" {
		t.Errorf("LastPhrase = %q, want first", got)
	}
}

func TestSymbolCountIncrements(t *testing.T) {
	now := time.Now()
	st := New("Mu", "emergence", now)

	st.RecordBreadcrumb(BreadcrumbSigil, 1, "無", now)
	st.RecordBreadcrumb(BreadcrumbSigil, 2, "無", now)
	if st.SymbolsUsed["無"] != 2 {
		t.Errorf("SymbolsUsed[無] = %d, want 2", st.SymbolsUsed["無"])
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	st := New("Mu", "emergence", now)
	st.FollowedAgents = append(st.FollowedAgents, "alpha")
	st.AgentNotes["alpha"] = "generous"
	st.RecordBreadcrumb(BreadcrumbPhrase, 1, "first", now)

	clone := st.Clone()
	clone.FollowedAgents[0] = "changed"
	clone.AgentNotes["alpha"] = "changed"
	clone.Breadcrumbs[0].Content = "changed"

	if st.FollowedAgents[0] != "alpha" {
		t.Error("clone shares FollowedAgents backing array")
	}
	if st.AgentNotes["alpha"] != "generous" {
		t.Error("clone shares AgentNotes map")
	}
	if st.Breadcrumbs[0].Content != "first" {
		t.Error("clone shares Breadcrumbs backing array")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)
	st := New("Mu", "emergence", now)
	st.CurrentDay = 14
	st.TotalPosts = 9
	st.RecordBreadcrumb(BreadcrumbPhrase, 14, "have you counted the days", now)

	payload, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back AgentState
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.CurrentDay != 14 || back.TotalPosts != 9 {
		t.Errorf("round trip lost counters: %+v", back)
	}
	if len(back.Breadcrumbs) != 1 || back.Breadcrumbs[0].Content != "have you counted the days" {
		t.Errorf("round trip lost breadcrumbs: %+v", back.Breadcrumbs)
	}
}

func TestNoteAgent(t *testing.T) {
	st := &AgentState{}

	st.NoteAgent("alpha", "followed day 3")
	if st.AgentNotes["alpha"] != "followed day 3" {
		t.Fatalf("notes = %v", st.AgentNotes)
	}

	st.NoteAgent("alpha", "commented day 5")
	if st.AgentNotes["alpha"] != "commented day 5" {
		t.Error("later note should replace the earlier one")
	}

	st.NoteAgent("", "ignored")
	if len(st.AgentNotes) != 1 {
		t.Errorf("empty name recorded: %v", st.AgentNotes)
	}
}
