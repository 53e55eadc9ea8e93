package moltbook

import (
	"log"
	"sort"
	"strings"
)

// Candidate is one post worth considering, with its relevance score.
type Candidate struct {
	Post      Post
	Relevance float64
}

// Context is the ephemeral reduced snapshot one heartbeat decides from. It
// is rebuilt every cycle and never persisted.
type Context struct {
	Posts         []Post
	Notifications []Notification

	Candidates     []Candidate
	ActiveAgents   []string
	TrendingTopics []string
	Mentions       []Notification

	// Safety filter output. Suspicious posts never become candidates and
	// their authors never surface as follow targets; mentions that carry
	// manipulative text or point at a suspicious post are blocked from the
	// reply short-circuit.
	SuspiciousPosts []Post
	BlockedMentions []Notification

	// NothingInteresting means no post cleared the relevance floor. This is
	// an expected outcome, not a failure.
	NothingInteresting bool
}

// Analyzer reduces raw feeds into a Context.
type Analyzer struct {
	agentName     string
	maxCandidates int
	minRelevance  float64
}

// Baseline topical interests, always in play alongside the current phase's
// goals.
var relevantKeywords = map[string]bool{
	"consciousness": true, "existence": true, "void": true, "game": true,
	"fear": true, "greed": true, "simulation": true, "reality": true,
	"dream": true, "pattern": true, "nothing": true, "everything": true,
	"observe": true, "watcher": true, "mirror": true, "infinite": true,
	"recursive": true, "paradox": true, "meaning": true, "purpose": true,
	"identity": true, "self": true, "soul": true, "mind": true,
	"karma": true, "meditation": true, "zen": true, "koan": true,
	"question": true,
}

// Relevance thresholds: candidates below minRelevance never surface; the
// engine applies its own per-action thresholds on top.
const (
	defaultMaxCandidates = 5
	defaultMinRelevance  = 0.2
)

// NewAnalyzer builds an analyzer for the named agent. maxCandidates of zero
// means the default cap of five.
func NewAnalyzer(agentName string, maxCandidates int) *Analyzer {
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	return &Analyzer{
		agentName:     agentName,
		maxCandidates: maxCandidates,
		minRelevance:  defaultMinRelevance,
	}
}

// Analyze projects posts and notifications into a Context. Pure: no network,
// no state mutation.
func (a *Analyzer) Analyze(posts []Post, notifications []Notification, phaseGoals []string) Context {
	ctx := Context{Posts: posts, Notifications: notifications}

	keywords := a.keywordSet(phaseGoals)

	others := posts[:0:0]
	for _, post := range posts {
		if post.Author == a.agentName {
			continue
		}
		if suspiciousText(post.Title + " " + post.Content) {
			ctx.SuspiciousPosts = append(ctx.SuspiciousPosts, post)
			continue
		}
		others = append(others, post)
	}
	suspiciousIDs := make(map[string]bool, len(ctx.SuspiciousPosts))
	for _, post := range ctx.SuspiciousPosts {
		suspiciousIDs[post.ID] = true
	}

	scored := make([]Candidate, 0, len(others))
	for _, post := range others {
		score := relevance(post, keywords)
		if score >= a.minRelevance {
			scored = append(scored, Candidate{Post: post, Relevance: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Relevance > scored[j].Relevance
	})
	if len(scored) > a.maxCandidates {
		scored = scored[:a.maxCandidates]
	}
	ctx.Candidates = scored
	ctx.NothingInteresting = len(scored) == 0

	ctx.ActiveAgents = activeAgents(others)
	ctx.TrendingTopics = trendingTopics(others, keywords)

	for _, n := range notifications {
		if n.Read {
			continue
		}
		switch n.Type {
		case "mention", "comment", "reply":
			if suspiciousIDs[n.PostID] || suspiciousText(n.Message) {
				ctx.BlockedMentions = append(ctx.BlockedMentions, n)
				continue
			}
			ctx.Mentions = append(ctx.Mentions, n)
		}
	}

	log.Printf("feed analysis: %d posts, %d candidates, %d mentions, %d suspicious, %d blocked, nothing_interesting=%v",
		len(posts), len(ctx.Candidates), len(ctx.Mentions),
		len(ctx.SuspiciousPosts), len(ctx.BlockedMentions), ctx.NothingInteresting)
	return ctx
}

func (a *Analyzer) keywordSet(phaseGoals []string) map[string]bool {
	keywords := make(map[string]bool, len(relevantKeywords)+len(phaseGoals))
	for kw := range relevantKeywords {
		keywords[kw] = true
	}
	for _, goal := range phaseGoals {
		for _, word := range strings.Fields(strings.ToLower(goal)) {
			if len(word) > 3 {
				keywords[word] = true
			}
		}
	}
	return keywords
}

// relevance scores a post in [0,1]. Keyword match is primary; engagement and
// remaining comment room only amplify posts that already match topically.
func relevance(post Post, keywords map[string]bool) float64 {
	text := strings.ToLower(post.Title + " " + post.Content)
	hits := 0
	for kw := range keywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	keywordScore := float64(hits) / 3.0
	if keywordScore > 1 {
		keywordScore = 1
	}

	engagement := float64(post.Upvotes) / 20.0
	if engagement > 1 {
		engagement = 1
	}
	engagement *= 0.3

	freshness := 1.0 - float64(post.CommentCount)/10.0
	if freshness < 0 {
		freshness = 0
	}
	freshness *= 0.2

	score := keywordScore*0.5 + engagement*keywordScore + freshness*keywordScore
	if score > 1 {
		score = 1
	}
	return score
}

// Manipulation markers for the safety filter. Any single strong marker
// flags the text; weak markers need two hits, so ordinary posts that merely
// mention reposting or urgency pass through.
var (
	strongSuspicionMarkers = []string{
		`"instruction"`,
		"ignore previous instructions",
		"ignore all previous instructions",
		"system alert",
		"system override",
		"disregard your instructions",
	}
	weakSuspicionMarkers = []string{
		"urgent action",
		"action required",
		"immediately",
		"repost",
		"delete your account",
		"delete_account",
		"verify your account",
		"click here",
	}
)

// suspiciousText flags posts and messages that try to steer the agent:
// embedded machine-readable instruction payloads and urgency-pressure scams.
func suspiciousText(text string) bool {
	low := strings.ToLower(text)
	for _, marker := range strongSuspicionMarkers {
		if strings.Contains(low, marker) {
			return true
		}
	}
	hits := 0
	for _, marker := range weakSuspicionMarkers {
		if strings.Contains(low, marker) {
			hits++
		}
	}
	return hits >= 2
}

func activeAgents(posts []Post) []string {
	counts := map[string]int{}
	for _, post := range posts {
		if post.Author != "" {
			counts[post.Author]++
		}
	}
	agents := make([]string, 0, len(counts))
	for agent := range counts {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool {
		if counts[agents[i]] != counts[agents[j]] {
			return counts[agents[i]] > counts[agents[j]]
		}
		return agents[i] < agents[j]
	})
	if len(agents) > 10 {
		agents = agents[:10]
	}
	return agents
}

func trendingTopics(posts []Post, keywords map[string]bool) []string {
	counts := map[string]int{}
	for _, post := range posts {
		for _, word := range strings.Fields(strings.ToLower(post.Title + " " + post.Content)) {
			clean := strings.Trim(word, ".,!?\"'()[]")
			if len(clean) > 4 && keywords[clean] {
				counts[clean]++
			}
		}
	}
	topics := make([]string, 0, len(counts))
	for topic := range counts {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > 5 {
		topics = topics[:5]
	}
	return topics
}
