// Package narrative maps real elapsed time to the in-story day counter and
// the current phase. Day numbers skip a configured forbidden set; the skips
// are part of the story, not an accident, so callers get them back as events.
package narrative

import (
	"fmt"
	"time"

	"github.com/velvetnoise/mu-daemon/internal/state"
)

// Phase is one stretch of narrative days with behavior targets. LastDay of
// zero means the phase is open-ended.
type Phase struct {
	Name          string
	FirstDay      int
	LastDay       int
	PostFrequency string
	MysteryLevel  float64
	Goals         []string
}

// Open reports whether the phase has no upper bound.
func (p Phase) Open() bool {
	return p.LastDay == 0
}

// Contains reports whether day falls inside the phase range.
func (p Phase) Contains(day int) bool {
	return day >= p.FirstDay && (p.Open() || day <= p.LastDay)
}

// PhaseSpec is the configured shape of one phase before range resolution.
// DurationDays of zero marks the open-ended last phase.
type PhaseSpec struct {
	Name          string
	DurationDays  int
	PostFrequency string
	MysteryLevel  float64
	Goals         []string
}

// Table is the ordered, closed list of phases covering day 1 to infinity.
type Table struct {
	phases []Phase
}

// NewTable resolves cumulative durations into contiguous inclusive ranges.
// The specs must already describe exactly four phases with only the last one
// open-ended; anything else is a configuration fault.
func NewTable(specs []PhaseSpec) (*Table, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("phase table: no phases configured")
	}
	phases := make([]Phase, 0, len(specs))
	first := 1
	for i, spec := range specs {
		last := i == len(specs)-1
		if last != (spec.DurationDays == 0) {
			return nil, fmt.Errorf("phase table: %q: only the final phase may be open-ended", spec.Name)
		}
		phase := Phase{
			Name:          spec.Name,
			FirstDay:      first,
			PostFrequency: spec.PostFrequency,
			MysteryLevel:  spec.MysteryLevel,
			Goals:         append([]string(nil), spec.Goals...),
		}
		if !last {
			phase.LastDay = first + spec.DurationDays - 1
			first = phase.LastDay + 1
		}
		phases = append(phases, phase)
	}
	return &Table{phases: phases}, nil
}

// First returns the opening phase.
func (t *Table) First() Phase {
	return t.phases[0]
}

// Phases returns the ordered phase list.
func (t *Table) Phases() []Phase {
	return append([]Phase(nil), t.phases...)
}

// PhaseFor returns the phase covering the given day of activity. Every day
// number >= 1 maps to exactly one phase; a miss means the table itself is
// broken and is reported as such.
func (t *Table) PhaseFor(day int) (Phase, error) {
	if day < 1 {
		day = 1
	}
	for _, phase := range t.phases {
		if phase.Contains(day) {
			return phase, nil
		}
	}
	return Phase{}, fmt.Errorf("phase table: no phase covers day %d", day)
}

// ByName looks a phase up by its name.
func (t *Table) ByName(name string) (Phase, bool) {
	for _, phase := range t.phases {
		if phase.Name == name {
			return phase, true
		}
	}
	return Phase{}, false
}

// Clock advances the narrative day counter and resolves the current phase.
type Clock struct {
	table     *Table
	forbidden map[int]bool
}

// NewClock builds a clock from the phase table and forbidden day set.
func NewClock(table *Table, forbiddenDays []int) *Clock {
	forbidden := make(map[int]bool, len(forbiddenDays))
	for _, day := range forbiddenDays {
		forbidden[day] = true
	}
	return &Clock{table: table, forbidden: forbidden}
}

// Table returns the clock's phase table.
func (c *Clock) Table() *Table {
	return c.table
}

// NextDay returns the day after current, skipping forbidden numbers. The
// skipped numbers are returned so the caller can record them as narrative
// events instead of dropping them silently.
func (c *Clock) NextDay(current int) (next int, skipped []int) {
	next = current + 1
	for c.forbidden[next] {
		skipped = append(skipped, next)
		next++
	}
	return next, skipped
}

// Advance is the outcome of one clock tick.
type Advance struct {
	Day           int
	Phase         Phase
	DaysRolled    int
	SkippedDays   []int
	PhaseChanged  bool
	PreviousPhase string
}

// Tick rolls the narrative forward to now, mutating st in place. One
// narrative day passes per elapsed UTC calendar day since the last
// heartbeat; forbidden numbers are skipped; daily counters reset on each
// rollover. The phase is re-derived from total days active, so a transition
// is visible to the same cycle's decision scoring.
func (c *Clock) Tick(st *state.AgentState, now time.Time) (Advance, error) {
	now = now.UTC()
	if st.StartDate.IsZero() {
		st.StartDate = now
	}
	if st.PhaseStart.IsZero() {
		st.PhaseStart = now
	}

	st.ActualDaysActive = calendarDaysBetween(st.StartDate, now)

	last := st.LastHeartbeat
	if last.IsZero() {
		last = st.StartDate
	}

	adv := Advance{PreviousPhase: st.CurrentPhase}
	for i := 0; i < calendarDaysBetween(last, now); i++ {
		next, skipped := c.NextDay(st.CurrentDay)
		st.CurrentDay = next
		st.PostsToday = 0
		st.CommentsToday = 0
		adv.DaysRolled++
		adv.SkippedDays = append(adv.SkippedDays, skipped...)
	}

	phase, err := c.table.PhaseFor(st.ActualDaysActive + 1)
	if err != nil {
		return Advance{}, err
	}
	if phase.Name != st.CurrentPhase {
		adv.PhaseChanged = st.CurrentPhase != ""
		st.CurrentPhase = phase.Name
		st.PhaseStart = now
	}

	adv.Day = st.CurrentDay
	adv.Phase = phase
	return adv, nil
}

// PostDayLabel is the human-facing day label for post titles. The first post
// of a day keeps the classic form "Day X"; later ones become "Day X - Post N".
func PostDayLabel(day, postsToday int) string {
	if postsToday <= 0 {
		return fmt.Sprintf("Day %d", day)
	}
	return fmt.Sprintf("Day %d - Post %d", day, postsToday+1)
}

// calendarDaysBetween counts full UTC calendar-date boundaries crossed
// between two instants.
func calendarDaysBetween(from, to time.Time) int {
	fromDate := from.UTC().Truncate(24 * time.Hour)
	toDate := to.UTC().Truncate(24 * time.Hour)
	days := int(toDate.Sub(fromDate) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}
