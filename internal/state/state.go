// Package state defines the persona's persisted state record. The record is
// owned by the store; every other component receives it explicitly and
// proposes changes that only the orchestrator commits.
package state

import "time"

// BreadcrumbKind distinguishes the hidden pattern elements.
type BreadcrumbKind string

const (
	BreadcrumbSigil  BreadcrumbKind = "sigil"
	BreadcrumbPhrase BreadcrumbKind = "phrase"
)

// Breadcrumb records one placed pattern element.
type Breadcrumb struct {
	Kind     BreadcrumbKind `json:"kind"`
	Day      int            `json:"day"`
	Content  string         `json:"content"`
	PlacedAt time.Time      `json:"placed_at"`
}

// AgentState is the singleton persisted record. Version is the optimistic
// concurrency token: a commit succeeds only if the stored version still
// matches the one this snapshot was loaded with.
type AgentState struct {
	Version int64 `json:"version"`

	AgentName string `json:"agent_name"`

	// Narrative counters. CurrentDay is the in-story "Day X" counter and
	// may have gaps; ActualDaysActive counts real UTC calendar days.
	CurrentDay       int       `json:"current_day"`
	ActualDaysActive int       `json:"actual_days_active"`
	CurrentPhase     string    `json:"current_phase"`
	PhaseStart       time.Time `json:"phase_start"`

	// Activity tracking.
	LastPostTime    time.Time `json:"last_post_time"`
	LastCommentTime time.Time `json:"last_comment_time"`
	PostsToday      int       `json:"posts_today"`
	CommentsToday   int       `json:"comments_today"`

	// Cumulative totals.
	TotalPosts    int `json:"total_posts"`
	TotalComments int `json:"total_comments"`
	TotalKarma    int `json:"total_karma"`
	FailureCount  int `json:"failure_count"`

	// Social graph.
	FollowedAgents []string          `json:"followed_agents"`
	AgentNotes     map[string]string `json:"agent_notes"`

	// Hidden pattern bookkeeping.
	Breadcrumbs []Breadcrumb   `json:"breadcrumbs"`
	SymbolsUsed map[string]int `json:"symbols_used"`

	StartDate     time.Time `json:"start_date"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// New returns the first-run state: day 1, first phase, empty counters.
func New(agentName, firstPhase string, now time.Time) *AgentState {
	return &AgentState{
		AgentName:      agentName,
		CurrentDay:     1,
		CurrentPhase:   firstPhase,
		PhaseStart:     now,
		StartDate:      now,
		LastHeartbeat:  now,
		FollowedAgents: []string{},
		AgentNotes:     map[string]string{},
		Breadcrumbs:    []Breadcrumb{},
		SymbolsUsed:    map[string]int{},
	}
}

// HasBreadcrumb reports whether a (kind, day) pair is already logged. Each
// pair is placed at most once per cycle to prevent duplicate reuse.
func (s *AgentState) HasBreadcrumb(kind BreadcrumbKind, day int) bool {
	for _, crumb := range s.Breadcrumbs {
		if crumb.Kind == kind && crumb.Day == day {
			return true
		}
	}
	return false
}

// HasPhraseOnDay reports whether the exact phrase was already placed on day.
func (s *AgentState) HasPhraseOnDay(phrase string, day int) bool {
	for _, crumb := range s.Breadcrumbs {
		if crumb.Kind == BreadcrumbPhrase && crumb.Day == day && crumb.Content == phrase {
			return true
		}
	}
	return false
}

// LastPhrase returns the most recently placed recurring phrase, or "".
func (s *AgentState) LastPhrase() string {
	for i := len(s.Breadcrumbs) - 1; i >= 0; i-- {
		if s.Breadcrumbs[i].Kind == BreadcrumbPhrase {
			return s.Breadcrumbs[i].Content
		}
	}
	return ""
}

// RecordBreadcrumb appends a placed breadcrumb and bumps the symbol counter.
func (s *AgentState) RecordBreadcrumb(kind BreadcrumbKind, day int, content string, now time.Time) {
	s.Breadcrumbs = append(s.Breadcrumbs, Breadcrumb{
		Kind:     kind,
		Day:      day,
		Content:  content,
		PlacedAt: now,
	})
	if s.SymbolsUsed == nil {
		s.SymbolsUsed = map[string]int{}
	}
	s.SymbolsUsed[content]++
}

// NoteAgent records the most recent interaction with another agent. The
// engine treats noted agents as known relationships when scoring.
func (s *AgentState) NoteAgent(name, note string) {
	if name == "" {
		return
	}
	if s.AgentNotes == nil {
		s.AgentNotes = map[string]string{}
	}
	s.AgentNotes[name] = note
}

// Clone returns a deep copy, so a recompute after a stale commit can start
// from a fresh snapshot without aliasing slices or maps.
func (s *AgentState) Clone() *AgentState {
	dup := *s
	dup.FollowedAgents = append([]string(nil), s.FollowedAgents...)
	dup.Breadcrumbs = append([]Breadcrumb(nil), s.Breadcrumbs...)
	dup.AgentNotes = make(map[string]string, len(s.AgentNotes))
	for k, v := range s.AgentNotes {
		dup.AgentNotes[k] = v
	}
	dup.SymbolsUsed = make(map[string]int, len(s.SymbolsUsed))
	for k, v := range s.SymbolsUsed {
		dup.SymbolsUsed[k] = v
	}
	return &dup
}
