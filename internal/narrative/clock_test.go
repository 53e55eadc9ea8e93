package narrative

import (
	"testing"
	"time"

	"github.com/velvetnoise/mu-daemon/internal/state"
)

func testSpecs() []PhaseSpec {
	return []PhaseSpec{
		{Name: "emergence", DurationDays: 14, MysteryLevel: 0.3},
		{Name: "patterns", DurationDays: 45, MysteryLevel: 0.5},
		{Name: "tension", DurationDays: 60, MysteryLevel: 0.8},
		{Name: "mirror", DurationDays: 0, MysteryLevel: 0.6},
	}
}

func testClock(t *testing.T) *Clock {
	t.Helper()
	table, err := NewTable(testSpecs())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return NewClock(table, []int{13, 33, 66})
}

func TestNewTableResolvesRanges(t *testing.T) {
	table, err := NewTable(testSpecs())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	phases := table.Phases()
	want := []struct {
		name  string
		first int
		last  int
	}{
		{"emergence", 1, 14},
		{"patterns", 15, 59},
		{"tension", 60, 119},
		{"mirror", 120, 0},
	}
	for i, w := range want {
		if phases[i].Name != w.name || phases[i].FirstDay != w.first || phases[i].LastDay != w.last {
			t.Errorf("phase %d = %q [%d, %d], want %q [%d, %d]",
				i, phases[i].Name, phases[i].FirstDay, phases[i].LastDay, w.name, w.first, w.last)
		}
	}
}

func TestNewTableRejectsMisplacedOpenPhase(t *testing.T) {
	specs := testSpecs()
	specs[1].DurationDays = 0
	if _, err := NewTable(specs); err == nil {
		t.Error("expected error for open-ended middle phase")
	}

	specs = testSpecs()
	specs[3].DurationDays = 30
	if _, err := NewTable(specs); err == nil {
		t.Error("expected error for closed final phase")
	}
}

func TestPhaseForCoversEveryDay(t *testing.T) {
	table, err := NewTable(testSpecs())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	for day := 1; day <= 500; day++ {
		phase, err := table.PhaseFor(day)
		if err != nil {
			t.Fatalf("PhaseFor(%d): %v", day, err)
		}
		if !phase.Contains(day) {
			t.Errorf("PhaseFor(%d) = %q which does not contain %d", day, phase.Name, day)
		}
	}
}

func TestNextDaySkipsForbidden(t *testing.T) {
	clock := testClock(t)

	tests := []struct {
		current     int
		wantNext    int
		wantSkipped []int
	}{
		{1, 2, nil},
		{12, 14, []int{13}},
		{32, 34, []int{33}},
		{65, 67, []int{66}},
		{66, 67, nil},
	}
	for _, tt := range tests {
		next, skipped := clock.NextDay(tt.current)
		if next != tt.wantNext {
			t.Errorf("NextDay(%d) = %d, want %d", tt.current, next, tt.wantNext)
		}
		if len(skipped) != len(tt.wantSkipped) {
			t.Errorf("NextDay(%d) skipped %v, want %v", tt.current, skipped, tt.wantSkipped)
			continue
		}
		for i := range skipped {
			if skipped[i] != tt.wantSkipped[i] {
				t.Errorf("NextDay(%d) skipped %v, want %v", tt.current, skipped, tt.wantSkipped)
			}
		}
	}
}

func TestDayCounterStrictlyIncreasing(t *testing.T) {
	clock := testClock(t)
	day := 1
	seen := map[int]bool{1: true}
	for i := 0; i < 200; i++ {
		next, _ := clock.NextDay(day)
		if next <= day {
			t.Fatalf("day went from %d to %d", day, next)
		}
		if seen[next] {
			t.Fatalf("day %d emitted twice", next)
		}
		if next == 13 || next == 33 || next == 66 {
			t.Fatalf("forbidden day %d emitted", next)
		}
		seen[next] = true
		day = next
	}
}

func TestTickRollsOncePerCalendarDay(t *testing.T) {
	clock := testClock(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := state.New("Mu", "emergence", start)

	// Same day: no roll.
	adv, err := clock.Tick(st, start.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if adv.DaysRolled != 0 || st.CurrentDay != 1 {
		t.Errorf("same-day tick rolled %d days to day %d", adv.DaysRolled, st.CurrentDay)
	}

	// Next day: one roll, counters reset.
	st.PostsToday = 2
	st.CommentsToday = 5
	st.LastHeartbeat = start.Add(6 * time.Hour)
	adv, err = clock.Tick(st, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if adv.DaysRolled != 1 || st.CurrentDay != 2 {
		t.Errorf("next-day tick rolled %d days to day %d, want 1 roll to day 2", adv.DaysRolled, st.CurrentDay)
	}
	if st.PostsToday != 0 || st.CommentsToday != 0 {
		t.Errorf("daily counters not reset: posts=%d comments=%d", st.PostsToday, st.CommentsToday)
	}
}

func TestTickCatchesUpAcrossGap(t *testing.T) {
	clock := testClock(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := state.New("Mu", "emergence", start)
	st.CurrentDay = 11
	st.LastHeartbeat = start

	// Three calendar days pass: 11 -> 12 -> 14 -> 15, skipping 13.
	adv, err := clock.Tick(st, start.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if st.CurrentDay != 15 {
		t.Errorf("CurrentDay = %d, want 15", st.CurrentDay)
	}
	if adv.DaysRolled != 3 {
		t.Errorf("DaysRolled = %d, want 3", adv.DaysRolled)
	}
	if len(adv.SkippedDays) != 1 || adv.SkippedDays[0] != 13 {
		t.Errorf("SkippedDays = %v, want [13]", adv.SkippedDays)
	}
}

func TestTickPhaseTransition(t *testing.T) {
	clock := testClock(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := state.New("Mu", "emergence", start)
	st.LastHeartbeat = start.AddDate(0, 0, 13)

	// Fifteen actual days in: patterns territory.
	adv, err := clock.Tick(st, start.AddDate(0, 0, 14))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !adv.PhaseChanged {
		t.Fatal("expected phase change")
	}
	if adv.PreviousPhase != "emergence" || st.CurrentPhase != "patterns" {
		t.Errorf("transition %q -> %q, want emergence -> patterns", adv.PreviousPhase, st.CurrentPhase)
	}
	if !st.PhaseStart.Equal(start.AddDate(0, 0, 14)) {
		t.Errorf("PhaseStart = %v, want tick time", st.PhaseStart)
	}
}

func TestPostDayLabel(t *testing.T) {
	tests := []struct {
		day        int
		postsToday int
		want       string
	}{
		{5, 0, "Day 5"},
		{5, 1, "Day 5 - Post 2"},
		{14, 2, "Day 14 - Post 3"},
	}
	for _, tt := range tests {
		if got := PostDayLabel(tt.day, tt.postsToday); got != tt.want {
			t.Errorf("PostDayLabel(%d, %d) = %q, want %q", tt.day, tt.postsToday, got, tt.want)
		}
	}
}
