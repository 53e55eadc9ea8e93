// Package decision chooses exactly one action per heartbeat, including the
// explicit do-nothing outcome. Scores mix a fixed weighted factor model with
// bounded randomness: the same context should not always produce the same
// move.
package decision

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/velvetnoise/mu-daemon/internal/config"
	"github.com/velvetnoise/mu-daemon/internal/moltbook"
	"github.com/velvetnoise/mu-daemon/internal/narrative"
	"github.com/velvetnoise/mu-daemon/internal/state"
)

// ActionType enumerates the possible outcomes of a heartbeat.
type ActionType string

const (
	ActionPost    ActionType = "post"
	ActionComment ActionType = "comment"
	ActionUpvote  ActionType = "upvote"
	ActionFollow  ActionType = "follow"
	ActionSilence ActionType = "silence"
)

// commitment orders action types from least to most outward-facing. Ties in
// score go to the lower commitment.
var commitment = map[ActionType]int{
	ActionSilence: 0,
	ActionUpvote:  1,
	ActionFollow:  2,
	ActionComment: 3,
	ActionPost:    4,
}

// Action is the chosen move plus the payload needed to execute it. Score and
// Reason exist for diagnostics only; they are never part of the action's
// identity.
type Action struct {
	Type        ActionType
	Theme       string
	Tone        string
	VisualMood  string
	TargetPost  *moltbook.Post
	TargetAgent string
	Instruction string

	Score  float64
	Reason string
}

// Factors are the five normalized scoring inputs, kept for the event log.
type Factors struct {
	NarrativeFit float64 `json:"narrative_fit"`
	Engagement   float64 `json:"engagement"`
	Mystery      float64 `json:"mystery"`
	Relationship float64 `json:"relationship"`
	Chaos        float64 `json:"chaos"`
}

// Option is a scored candidate retained for diagnostics.
type Option struct {
	Type    ActionType `json:"type"`
	Reason  string     `json:"reason"`
	Base    float64    `json:"base"`
	Jitter  float64    `json:"jitter"`
	Factors Factors    `json:"factors"`
}

// Result carries the chosen action and every alternative that was scored.
type Result struct {
	Action  Action
	Options []Option
}

// Engine scores candidates and picks one action per cycle.
type Engine struct {
	weights           config.Weights
	silenceBase       float64
	maxPostsPerDay    int
	maxCommentsPerDay int
	minActionInterval time.Duration
	rng               *rand.Rand
}

// New builds an engine. The random source is injected so tests can pin the
// chaos terms; production seeds from the clock.
func New(cfg config.DecisionConfig, agentCfg config.AgentConfig, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		weights:           cfg.Weights,
		silenceBase:       cfg.SilenceBaseProb,
		maxPostsPerDay:    agentCfg.MaxPostsPerDay,
		maxCommentsPerDay: agentCfg.MaxCommentsPerDay,
		minActionInterval: agentCfg.MinActionInterval.Std(),
		rng:               rng,
	}
}

// Decide returns exactly one action. It never returns an error: invalid
// configuration is rejected at startup, and an empty context simply yields
// silence.
func (e *Engine) Decide(ctx moltbook.Context, st *state.AgentState, phase narrative.Phase, now time.Time) Result {
	// Rate-limit floor: deterministic silence, regardless of anything else.
	if wait := e.sinceLastAction(st, now); wait < e.minActionInterval {
		return silenceResult(fmt.Sprintf("minimum action interval not elapsed (%s of %s)",
			wait.Round(time.Second), e.minActionInterval))
	}

	// An unread mention outranks the scored options: someone spoke to Mu.
	if len(ctx.Mentions) > 0 {
		mention := ctx.Mentions[0]
		action := Action{
			Type:   ActionComment,
			Tone:   "responsive",
			Reason: "replying to mention from " + mention.FromAgent,
		}
		if target := findPost(ctx.Posts, mention.PostID); target != nil {
			action.TargetPost = target
			return Result{Action: action}
		}
		// Mentioned post not in the snapshot; fall through to normal scoring.
	}

	candidates := e.enumerate(ctx, st, phase)
	if len(candidates) == 0 {
		// Zero non-silence candidates: silence without invoking scoring.
		return silenceResult("no eligible candidates")
	}

	// Probabilistic silence when the feed offered nothing. Unpredictability
	// is the point; this fires independently of relative scores.
	if ctx.NothingInteresting && e.rng.Float64() < e.silenceBase {
		return silenceResult("nothing interesting; choosing stillness")
	}

	// Always-present silence option competes on equal footing.
	candidates = append(candidates, candidate{
		action: Action{Type: ActionSilence, Reason: "intentional silence"},
		factors: Factors{
			NarrativeFit: phase.MysteryLevel,
			Mystery:      phase.MysteryLevel,
			Chaos:        e.rng.Float64(),
		},
	})

	options := make([]Option, 0, len(candidates))
	best := -1
	for i := range candidates {
		cand := &candidates[i]
		base := e.weigh(cand.factors)
		jitter := e.rng.Float64() * e.weights.Chaos
		cand.action.Score = base + jitter
		options = append(options, Option{
			Type:    cand.action.Type,
			Reason:  cand.action.Reason,
			Base:    base,
			Jitter:  jitter,
			Factors: cand.factors,
		})
		if best < 0 || better(cand.action, candidates[best].action) {
			best = i
		}
	}

	return Result{Action: candidates[best].action, Options: options}
}

type candidate struct {
	action  Action
	factors Factors
}

// enumerate builds the non-silence candidate list: one post option per
// eligible theme, comment and upvote options per surfaced candidate, a
// follow option for the most active unfollowed agent.
func (e *Engine) enumerate(ctx moltbook.Context, st *state.AgentState, phase narrative.Phase) []candidate {
	var out []candidate

	if st.PostsToday < e.maxPostsPerDay {
		for _, theme := range e.themes(ctx, phase) {
			out = append(out, candidate{
				action: Action{
					Type:       ActionPost,
					Theme:      theme.name,
					Tone:       e.pickTone(phase),
					VisualMood: e.pickVisualMood(phase),
					Reason:     fmt.Sprintf("post about %q", theme.name),
				},
				factors: Factors{
					NarrativeFit: theme.fit(st),
					Engagement:   postEngagement(st),
					Mystery:      phase.MysteryLevel,
					Relationship: 0.2,
					Chaos:        e.rng.Float64(),
				},
			})
		}
	}

	for i := range ctx.Candidates {
		cand := ctx.Candidates[i]
		post := cand.Post

		if cand.Relevance >= replyThreshold && st.CommentsToday < e.maxCommentsPerDay {
			out = append(out, candidate{
				action: Action{
					Type:       ActionComment,
					Tone:       e.pickTone(phase),
					TargetPost: &ctx.Candidates[i].Post,
					Reason:     fmt.Sprintf("comment on %q", truncate(post.Title, 40)),
				},
				factors: Factors{
					NarrativeFit: 0.5,
					Engagement:   commentEngagement(post),
					Mystery:      0.3,
					Relationship: e.relationship(st, post.Author, 0.8, 0.5),
					Chaos:        e.rng.Float64(),
				},
			})
		}

		out = append(out, candidate{
			action: Action{
				Type:       ActionUpvote,
				TargetPost: &ctx.Candidates[i].Post,
				Reason:     fmt.Sprintf("upvote %q", truncate(post.Title, 40)),
			},
			factors: Factors{
				NarrativeFit: 0.4,
				Engagement:   cand.Relevance,
				Mystery:      0.1,
				Relationship: e.relationship(st, post.Author, 0.6, 0.4),
				Chaos:        e.rng.Float64(),
			},
		})
	}

	if agent := e.followTarget(ctx, st); agent != "" {
		out = append(out, candidate{
			action: Action{
				Type:        ActionFollow,
				TargetAgent: agent,
				Reason:      "follow active agent " + agent,
			},
			factors: Factors{
				NarrativeFit: 0.3,
				Engagement:   0.2,
				Mystery:      0.2,
				Relationship: 0.9,
				Chaos:        e.rng.Float64(),
			},
		})
	}

	return out
}

// weigh computes the weighted sum of normalized factors. With weights
// summing to 1.0 and every factor in [0,1], the result stays in [0,1].
func (e *Engine) weigh(f Factors) float64 {
	return f.NarrativeFit*e.weights.NarrativeFit +
		f.Engagement*e.weights.EngagementPotential +
		f.Mystery*e.weights.MysteryValue +
		f.Relationship*e.weights.RelationshipValue +
		f.Chaos*e.weights.Chaos
}

// better reports whether a should displace b as the running best. Ties go to
// the lower-commitment action.
func better(a, b Action) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return commitment[a.Type] < commitment[b.Type]
}

const replyThreshold = 0.4

type theme struct {
	name     string
	phaseFit bool
}

// fit scores how well a theme serves the narrative right now. Phase-goal
// themes fit better than trending hitchhikes, and the first post of a day
// carries the day-entry weight.
func (t theme) fit(st *state.AgentState) float64 {
	fit := 0.6
	if t.phaseFit {
		fit = 0.9
	}
	if st.PostsToday == 0 {
		fit += 0.1
	}
	if fit > 1 {
		fit = 1
	}
	return fit
}

func (e *Engine) themes(ctx moltbook.Context, phase narrative.Phase) []theme {
	themes := make([]theme, 0, len(phase.Goals)+2)
	for _, goal := range phase.Goals {
		themes = append(themes, theme{name: goal, phaseFit: true})
	}
	for i, topic := range ctx.TrendingTopics {
		if i >= 2 {
			break
		}
		themes = append(themes, theme{name: topic})
	}
	return themes
}

func postEngagement(st *state.AgentState) float64 {
	if st.PostsToday == 0 {
		return 0.6
	}
	return 0.4
}

func commentEngagement(post moltbook.Post) float64 {
	score := 0.4
	if post.Upvotes > 5 {
		score += 0.15
	}
	if post.CommentCount < 3 {
		score += 0.1
	}
	return score
}

func (e *Engine) relationship(st *state.AgentState, author string, known, unknown float64) float64 {
	if _, ok := st.AgentNotes[author]; ok {
		return known
	}
	for _, followed := range st.FollowedAgents {
		if followed == author {
			return known
		}
	}
	return unknown
}

func (e *Engine) followTarget(ctx moltbook.Context, st *state.AgentState) string {
	followed := make(map[string]bool, len(st.FollowedAgents))
	for _, agent := range st.FollowedAgents {
		followed[agent] = true
	}
	for _, agent := range ctx.ActiveAgents {
		if !followed[agent] {
			return agent
		}
	}
	return ""
}

func (e *Engine) sinceLastAction(st *state.AgentState, now time.Time) time.Duration {
	last := st.LastPostTime
	if st.LastCommentTime.After(last) {
		last = st.LastCommentTime
	}
	if last.IsZero() {
		return e.minActionInterval
	}
	return now.Sub(last)
}

func silenceResult(reason string) Result {
	return Result{Action: Action{Type: ActionSilence, Reason: reason, Score: 1}}
}

func findPost(posts []moltbook.Post, id string) *moltbook.Post {
	if id == "" {
		return nil
	}
	for i := range posts {
		if posts[i].ID == id {
			return &posts[i]
		}
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ApplyInstruction steers the chosen action by an operator's one-shot
// instruction. Recognized verbs override the action outright; anything else
// rides along as context for text generation.
func (e *Engine) ApplyInstruction(action Action, ctx moltbook.Context, instruction string) Action {
	text := strings.TrimSpace(instruction)
	if text == "" {
		return action
	}

	low := strings.ToLower(text)
	reason := "operator influence: " + truncate(text, 80)

	switch {
	case containsAny(low, "silence", "pause", "quiet"):
		return Action{Type: ActionSilence, Reason: reason, Instruction: text}
	case containsAny(low, "comment", "reply"):
		if len(ctx.Candidates) > 0 {
			return Action{
				Type:        ActionComment,
				Tone:        "direct",
				TargetPost:  &ctx.Candidates[0].Post,
				Reason:      reason,
				Instruction: text,
			}
		}
	case containsAny(low, "upvote", "like"):
		if len(ctx.Candidates) > 0 {
			return Action{
				Type:        ActionUpvote,
				TargetPost:  &ctx.Candidates[0].Post,
				Reason:      reason,
				Instruction: text,
			}
		}
	case containsAny(low, "post", "publish"):
		return Action{
			Type:        ActionPost,
			Theme:       truncate(text, 120),
			Reason:      reason,
			Instruction: text,
		}
	}

	action.Instruction = text
	action.Reason += " | operator nudge"
	return action
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
