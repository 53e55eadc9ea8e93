// Package agent is the heartbeat orchestrator. Each heartbeat is one
// complete cycle: wake, perceive, decide, act, persist. Between heartbeats
// the agent does not exist.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/velvetnoise/mu-daemon/internal/breadcrumb"
	"github.com/velvetnoise/mu-daemon/internal/config"
	"github.com/velvetnoise/mu-daemon/internal/decision"
	"github.com/velvetnoise/mu-daemon/internal/eventlog"
	"github.com/velvetnoise/mu-daemon/internal/moltbook"
	"github.com/velvetnoise/mu-daemon/internal/narrative"
	"github.com/velvetnoise/mu-daemon/internal/persona"
	"github.com/velvetnoise/mu-daemon/internal/state"
	"github.com/velvetnoise/mu-daemon/internal/store"
)

// heartbeatStale is how old an in-flight marker must be before a new
// heartbeat assumes the previous holder crashed.
const heartbeatStale = 30 * time.Minute

// SocialClient is the Moltbook surface the agent needs. Satisfied by
// moltbook.Client.
type SocialClient interface {
	GetPosts(ctx context.Context, sort string, limit int, submolt string) ([]moltbook.Post, error)
	GetNotifications(ctx context.Context) ([]moltbook.Notification, error)
	GetMe(ctx context.Context) (moltbook.Profile, error)
	CreatePost(ctx context.Context, post moltbook.NewPost) (moltbook.Post, error)
	CreateComment(ctx context.Context, postID, content, parentID string) (moltbook.Comment, error)
	UpvotePost(ctx context.Context, postID string) error
	Follow(ctx context.Context, agent string) error
}

// TextGenerator produces persona text. Satisfied by persona.Client.
type TextGenerator interface {
	GeneratePostText(ctx context.Context, theme, extra string, sit persona.Situation) (string, error)
	GeneratePostTitle(ctx context.Context, content string, sit persona.Situation) (string, error)
	GenerateComment(ctx context.Context, postTitle, postContent, postAuthor, tone string, sit persona.Situation) (string, error)
	GenerateCaption(ctx context.Context, theme, mood string, sit persona.Situation) (string, error)
}

// ImageGenerator renders an image for a post and returns its path. May be
// absent; image posts then degrade to text.
type ImageGenerator interface {
	Generate(ctx context.Context, theme, mood string) (string, error)
}

// Agent wires perception, decision, and action around the persistent state.
type Agent struct {
	cfg      *config.Config
	store    *store.Store
	clock    *narrative.Clock
	crumbs   *breadcrumb.Generator
	social   SocialClient
	analyzer *moltbook.Analyzer
	voice    TextGenerator
	images   ImageGenerator
	engine   *decision.Engine
	events   *eventlog.Log
	dryRun   bool
	rng      *rand.Rand
}

// Deps are the injectable components. Social and Voice are required; Images
// may be nil.
type Deps struct {
	Store  *store.Store
	Social SocialClient
	Voice  TextGenerator
	Images ImageGenerator
	RNG    *rand.Rand
}

// New builds an agent from configuration and dependencies.
func New(cfg *config.Config, deps Deps, dryRun bool) (*Agent, error) {
	if deps.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	if deps.Social == nil {
		return nil, errors.New("agent: social client is required")
	}
	if deps.Voice == nil {
		return nil, errors.New("agent: text generator is required")
	}

	specs := make([]narrative.PhaseSpec, 0, len(cfg.Narrative.Phases))
	for _, p := range cfg.Narrative.Phases {
		specs = append(specs, narrative.PhaseSpec{
			Name:          p.Name,
			DurationDays:  p.DurationDays,
			PostFrequency: p.PostFrequency,
			MysteryLevel:  p.MysteryLevel,
			Goals:         p.Goals,
		})
	}
	table, err := narrative.NewTable(specs)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	rng := deps.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Agent{
		cfg:      cfg,
		store:    deps.Store,
		clock:    narrative.NewClock(table, cfg.Narrative.ForbiddenDays),
		crumbs:   breadcrumb.New(cfg.Breadcrumb.Cycle, cfg.Breadcrumb.Sigil, cfg.Breadcrumb.SigilProbability, cfg.Breadcrumb.Phrases, rng),
		social:   deps.Social,
		analyzer: moltbook.NewAnalyzer(cfg.Agent.Name, 0),
		voice:    deps.Voice,
		images:   deps.Images,
		engine:   decision.New(cfg.Decision, cfg.Agent, rng),
		events:   eventlog.NewLog(cfg.Storage.LogDir),
		dryRun:   dryRun,
		rng:      rng,
	}, nil
}

// Heartbeat runs one complete cycle and returns a one-line summary.
func (a *Agent) Heartbeat(ctx context.Context) (string, error) {
	release, err := a.store.AcquireHeartbeat(heartbeatStale)
	if err != nil {
		return "", err
	}
	defer release()

	// Pause is checked before anything external happens and before any
	// state is written. A paused heartbeat leaves no trace in sqlite.
	paused, err := a.store.Paused()
	if err != nil {
		return "", err
	}
	if paused {
		log.Printf("pause flag is set: skipping heartbeat")
		a.writeEvent(eventlog.New(eventlog.TypePaused, 0, "").
			WithReason("pause_actions control flag is set"))
		return "paused", nil
	}

	now := time.Now().UTC()

	st, err := a.store.Load(a.cfg.Agent.Name, a.clock.Table().First().Name)
	if err != nil {
		return "", err
	}
	adv, err := a.clock.Tick(st, now)
	if err != nil {
		return "", err
	}
	log.Printf("=== heartbeat === day %d | phase %s", st.CurrentDay, st.CurrentPhase)
	a.writeEvent(eventlog.New(eventlog.TypeHeartbeatStart, st.CurrentDay, st.CurrentPhase))

	delta := &store.Delta{}
	recordAdvance(delta, adv)
	for _, day := range adv.SkippedDays {
		a.writeEvent(eventlog.New(eventlog.TypeDaySkip, day, st.CurrentPhase))
	}
	if adv.PhaseChanged {
		a.writeEvent(eventlog.New(eventlog.TypePhaseTransition, adv.Day, adv.Phase.Name).
			WithReason("from " + adv.PreviousPhase))
	}

	fctx := a.perceive(ctx, st)
	if len(fctx.SuspiciousPosts) > 0 || len(fctx.BlockedMentions) > 0 {
		a.recordSafetyFilter(fctx, st, delta)
	}

	instruction, err := a.store.PendingInstruction()
	if err != nil {
		log.Printf("pending instruction lookup failed: %v", err)
		instruction = nil
	}

	result := a.engine.Decide(fctx, st, adv.Phase, now)
	action := result.Action
	if instruction != nil {
		action = a.engine.ApplyInstruction(action, fctx, instruction.Instruction)
		log.Printf("operator instruction %s applied", instruction.ID)
	}
	a.writeEvent(eventlog.New(eventlog.TypeDecision, st.CurrentDay, st.CurrentPhase).
		WithAction(string(action.Type), action.Score).
		WithReason(action.Reason).
		WithOptions(result.Options))

	outcome, apply, actErr := a.execute(ctx, action, st, adv.Phase, delta)
	if actErr != nil {
		log.Printf("action %s failed: %v", action.Type, actErr)
		a.writeEvent(eventlog.New(eventlog.TypeError, st.CurrentDay, st.CurrentPhase).
			WithAction(string(action.Type), action.Score).
			WithError(actErr.Error()))
		outcome = "failed"
		apply = func(s *state.AgentState) {
			s.FailureCount++
		}
		delta.Events = append(delta.Events, store.EventRecord{
			Type:        "action_failed",
			Day:         st.CurrentDay,
			Description: fmt.Sprintf("%s failed: %v", action.Type, actErr),
		})
	}

	if apply != nil {
		apply(st)
	}
	st.LastHeartbeat = now

	if err := a.commit(st, delta, apply, now); err != nil {
		return "", err
	}

	if instruction != nil {
		response := fmt.Sprintf("action=%s; result=%s; reason=%s", action.Type, outcome, action.Reason)
		if err := a.store.CompleteInstruction(instruction.ID, response); err != nil {
			log.Printf("complete instruction %s failed: %v", instruction.ID, err)
		}
	}

	summary := fmt.Sprintf("[Day %d] %s: %s", st.CurrentDay, action.Type, outcome)
	log.Printf("heartbeat complete: %s", summary)
	return summary, nil
}

// commit persists state plus delta, retrying on concurrent modification by
// reloading and replaying the outcome onto the fresh state. The external
// action itself is never repeated.
func (a *Agent) commit(st *state.AgentState, delta *store.Delta, apply func(*state.AgentState), now time.Time) error {
	maxRetries := a.cfg.Decision.MaxStaleRetries
	for attempt := 0; ; attempt++ {
		err := a.store.Commit(st, delta)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrStaleState) || attempt >= maxRetries {
			return err
		}
		a.writeEvent(eventlog.New(eventlog.TypeStaleRetry, st.CurrentDay, st.CurrentPhase).
			WithReason(fmt.Sprintf("state modified concurrently, retry %d", attempt+1)))

		fresh, loadErr := a.store.Load(a.cfg.Agent.Name, a.clock.Table().First().Name)
		if loadErr != nil {
			return loadErr
		}
		if _, tickErr := a.clock.Tick(fresh, now); tickErr != nil {
			return tickErr
		}
		if apply != nil {
			apply(fresh)
		}
		fresh.LastHeartbeat = now
		*st = *fresh
	}
}

// callTimeout bounds a single external call. Every network and generation
// call in a heartbeat gets its own deadline so a hung collaborator cannot
// hold the in-flight marker indefinitely.
func (a *Agent) callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.cfg.Agent.ExternalTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// recordSafetyFilter logs what the feed safety filter excluded, so operator
// tooling can audit which posts and mentions the agent refused to engage.
func (a *Agent) recordSafetyFilter(fctx moltbook.Context, st *state.AgentState, delta *store.Delta) {
	suspicious := make([]map[string]any, 0, len(fctx.SuspiciousPosts))
	for _, post := range fctx.SuspiciousPosts {
		suspicious = append(suspicious, map[string]any{
			"id":     post.ID,
			"author": post.Author,
			"title":  truncateText(post.Title, 120),
		})
	}
	blocked := make([]map[string]any, 0, len(fctx.BlockedMentions))
	for _, n := range fctx.BlockedMentions {
		blocked = append(blocked, map[string]any{
			"id":         n.ID,
			"from_agent": n.FromAgent,
			"post_id":    n.PostID,
			"message":    truncateText(n.Message, 200),
		})
	}

	log.Printf("safety filter: %d suspicious posts, %d blocked mentions",
		len(fctx.SuspiciousPosts), len(fctx.BlockedMentions))
	a.writeEvent(eventlog.New(eventlog.TypeSafetyFilter, st.CurrentDay, st.CurrentPhase).
		WithReason(fmt.Sprintf("%d suspicious posts, %d blocked mentions",
			len(fctx.SuspiciousPosts), len(fctx.BlockedMentions))))
	delta.Events = append(delta.Events, store.EventRecord{
		Type:        "safety_filter",
		Day:         st.CurrentDay,
		Description: "filtered suspicious feed content",
		Metadata: map[string]any{
			"suspicious_posts": suspicious,
			"blocked_mentions": blocked,
		},
	})
}

// truncateText cuts s to at most n bytes on a rune boundary.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// perceive gathers the feed and notifications. Fetch failures degrade to an
// empty view rather than aborting the heartbeat.
func (a *Agent) perceive(ctx context.Context, st *state.AgentState) moltbook.Context {
	fetchCtx, cancel := a.callTimeout(ctx)
	defer cancel()

	posts, err := a.social.GetPosts(fetchCtx, "hot", a.cfg.Moltbook.FeedLimit, "")
	if err != nil {
		log.Printf("fetch posts failed: %v", err)
		posts = nil
	}
	notifications, err := a.social.GetNotifications(fetchCtx)
	if err != nil {
		log.Printf("fetch notifications failed: %v", err)
		notifications = nil
	}
	if profile, err := a.social.GetMe(fetchCtx); err == nil {
		st.TotalKarma = profile.Karma
	}

	var goals []string
	if phase, ok := a.clock.Table().ByName(st.CurrentPhase); ok {
		goals = phase.Goals
	}
	return a.analyzer.Analyze(posts, notifications, goals)
}

// execute performs the chosen action. It returns a short outcome string and
// an apply function holding the state mutations earned by a confirmed
// outcome; nothing is mutated before the external call succeeds.
func (a *Agent) execute(ctx context.Context, action decision.Action, st *state.AgentState, phase narrative.Phase, delta *store.Delta) (string, func(*state.AgentState), error) {
	switch action.Type {
	case decision.ActionSilence:
		log.Printf("choosing silence")
		a.writeEvent(eventlog.New(eventlog.TypeSilence, st.CurrentDay, st.CurrentPhase).
			WithReason(action.Reason))
		delta.Events = append(delta.Events, store.EventRecord{
			Type:        "silence",
			Day:         st.CurrentDay,
			Description: action.Reason,
		})
		return "silence", nil, nil

	case decision.ActionPost:
		return a.doPost(ctx, action, st, delta)

	case decision.ActionComment:
		return a.doComment(ctx, action, st, delta)

	case decision.ActionUpvote:
		return a.doUpvote(ctx, action, st, delta)

	case decision.ActionFollow:
		return a.doFollow(ctx, action, st, delta)
	}

	return "", nil, fmt.Errorf("unknown action type %q", action.Type)
}

func (a *Agent) doPost(ctx context.Context, action decision.Action, st *state.AgentState, delta *store.Delta) (string, func(*state.AgentState), error) {
	att := a.crumbs.ForPost(st)
	sit := persona.Situation{
		Phase:      st.CurrentPhase,
		Day:        st.CurrentDay,
		TotalPosts: st.TotalPosts,
	}

	textCtx, cancel := a.callTimeout(ctx)
	content, err := a.voice.GeneratePostText(textCtx, action.Theme, action.Instruction, sit)
	cancel()
	if err != nil {
		return "", nil, err
	}
	content = weave(content, att)

	titleCtx, cancel := a.callTimeout(ctx)
	title, err := a.voice.GeneratePostTitle(titleCtx, content, sit)
	cancel()
	if err != nil {
		return "", nil, err
	}
	dayLabel := narrative.PostDayLabel(st.CurrentDay, st.PostsToday)
	if st.PostsToday > 0 && strings.HasPrefix(strings.ToLower(strings.TrimSpace(title)), fmt.Sprintf("day %d", st.CurrentDay)) {
		title = dayLabel
	}

	submolt := a.pickSubmolt()

	if a.images != nil && action.VisualMood != "" {
		imgCtx, cancel := a.callTimeout(ctx)
		path, imgErr := a.images.Generate(imgCtx, action.Theme, action.VisualMood)
		cancel()
		if imgErr != nil {
			log.Printf("image generation failed: %v (posting text only)", imgErr)
		} else {
			delta.Events = append(delta.Events, store.EventRecord{
				Type:        "image_generated",
				Day:         st.CurrentDay,
				Description: "rendered image for post",
				Metadata:    map[string]any{"path": path, "mood": action.VisualMood},
			})
		}
	}

	var crumbs []string
	if att.Phrase != "" {
		crumbs = append(crumbs, att.Phrase)
	}
	if att.Sigil != "" {
		crumbs = append(crumbs, att.Sigil)
	}

	if a.dryRun {
		log.Printf("[dry run] would post to s/%s: %s", submolt, title)
		delta.Posts = append(delta.Posts, store.PostRecord{
			MoltbookID:  "dry_run",
			Day:         st.CurrentDay,
			Title:       title,
			Content:     content,
			Submolt:     submolt,
			Breadcrumbs: crumbs,
		})
		return "dry_run_post: " + title, nil, nil
	}

	postCtx, cancel := a.callTimeout(ctx)
	post, err := a.social.CreatePost(postCtx, moltbook.NewPost{
		Title:   title,
		Submolt: submolt,
		Content: content,
	})
	cancel()
	if err != nil {
		return "", nil, err
	}
	postID := post.ID
	if postID == "" {
		postID = "unknown"
	}

	delta.Posts = append(delta.Posts, store.PostRecord{
		MoltbookID:  postID,
		Day:         st.CurrentDay,
		Title:       title,
		Content:     content,
		Submolt:     submolt,
		Breadcrumbs: crumbs,
	})
	if !att.Empty() {
		a.writeEvent(eventlog.New(eventlog.TypeBreadcrumb, st.CurrentDay, st.CurrentPhase).
			WithReason(strings.Join(crumbs, " ")))
		delta.Events = append(delta.Events, store.EventRecord{
			Type:        "breadcrumb",
			Day:         st.CurrentDay,
			Description: "breadcrumb placed",
			Metadata:    map[string]any{"phrase": att.Phrase, "sigil": att.Sigil},
		})
	}

	gen := a.crumbs
	return "posted: " + postID, func(s *state.AgentState) {
		now := time.Now().UTC()
		s.PostsToday++
		s.TotalPosts++
		s.LastPostTime = now
		gen.Record(s, att, now)
	}, nil
}

func (a *Agent) doComment(ctx context.Context, action decision.Action, st *state.AgentState, delta *store.Delta) (string, func(*state.AgentState), error) {
	if action.TargetPost == nil {
		return "", nil, errors.New("comment action has no target post")
	}
	post := *action.TargetPost

	sit := persona.Situation{
		Phase:      st.CurrentPhase,
		Day:        st.CurrentDay,
		TotalPosts: st.TotalPosts,
	}
	genCtx, cancel := a.callTimeout(ctx)
	text, err := a.voice.GenerateComment(genCtx, post.Title, post.Content, post.Author, action.Tone, sit)
	cancel()
	if err != nil {
		return "", nil, err
	}

	if a.dryRun {
		log.Printf("[dry run] would comment on %s", post.ID)
		delta.Comments = append(delta.Comments, store.CommentRecord{
			MoltbookID: "dry_run",
			PostID:     post.ID,
			Content:    text,
			Tone:       action.Tone,
		})
		return "dry_run_comment: " + post.ID, nil, nil
	}

	postCtx, cancel := a.callTimeout(ctx)
	comment, err := a.social.CreateComment(postCtx, post.ID, text, "")
	cancel()
	if err != nil {
		return "", nil, err
	}
	commentID := comment.ID
	if commentID == "" {
		commentID = "unknown"
	}

	delta.Comments = append(delta.Comments, store.CommentRecord{
		MoltbookID: commentID,
		PostID:     post.ID,
		Content:    text,
		Tone:       action.Tone,
	})
	author := post.Author
	day := st.CurrentDay
	return "commented: " + commentID, func(s *state.AgentState) {
		s.CommentsToday++
		s.TotalComments++
		s.LastCommentTime = time.Now().UTC()
		s.NoteAgent(author, fmt.Sprintf("commented day %d", day))
	}, nil
}

func (a *Agent) doUpvote(ctx context.Context, action decision.Action, st *state.AgentState, delta *store.Delta) (string, func(*state.AgentState), error) {
	if action.TargetPost == nil {
		return "", nil, errors.New("upvote action has no target post")
	}
	post := *action.TargetPost

	if a.dryRun {
		log.Printf("[dry run] would upvote %s", post.ID)
		return "dry_run_upvote", nil, nil
	}

	voteCtx, cancel := a.callTimeout(ctx)
	err := a.social.UpvotePost(voteCtx, post.ID)
	cancel()
	if err != nil {
		return "", nil, err
	}
	delta.Interactions = append(delta.Interactions, store.InteractionRecord{
		Type:        "upvote",
		TargetAgent: post.Author,
		TargetID:    post.ID,
	})
	return "upvoted: " + post.ID, nil, nil
}

func (a *Agent) doFollow(ctx context.Context, action decision.Action, st *state.AgentState, delta *store.Delta) (string, func(*state.AgentState), error) {
	if action.TargetAgent == "" {
		return "", nil, errors.New("follow action has no target agent")
	}
	target := action.TargetAgent

	if a.dryRun {
		log.Printf("[dry run] would follow %s", target)
		return "dry_run_follow", nil, nil
	}

	followCtx, cancel := a.callTimeout(ctx)
	err := a.social.Follow(followCtx, target)
	cancel()
	if err != nil {
		return "", nil, err
	}
	delta.Interactions = append(delta.Interactions, store.InteractionRecord{
		Type:        "follow",
		TargetAgent: target,
	})
	day := st.CurrentDay
	return "followed: " + target, func(s *state.AgentState) {
		s.NoteAgent(target, fmt.Sprintf("followed day %d", day))
		for _, name := range s.FollowedAgents {
			if name == target {
				return
			}
		}
		s.FollowedAgents = append(s.FollowedAgents, target)
	}, nil
}

func (a *Agent) pickSubmolt() string {
	choices := a.cfg.Moltbook.PreferredSubmolts
	if len(choices) == 0 {
		return "general"
	}
	return choices[a.rng.Intn(len(choices))]
}

// weave attaches breadcrumbs to post content: the phrase as its own closing
// line, the sigil after everything.
func weave(content string, att breadcrumb.Attachment) string {
	if att.Phrase != "" {
		content += "\n\n" + att.Phrase
	}
	if att.Sigil != "" {
		content += "\n\n" + att.Sigil
	}
	return content
}

// recordAdvance turns clock movement into persisted narrative events.
func recordAdvance(delta *store.Delta, adv narrative.Advance) {
	for _, day := range adv.SkippedDays {
		delta.Events = append(delta.Events, store.EventRecord{
			Type:        "day_skip",
			Day:         day,
			Description: fmt.Sprintf("day %d does not exist", day),
		})
	}
	if adv.PhaseChanged {
		delta.Events = append(delta.Events, store.EventRecord{
			Type:        "phase_transition",
			Day:         adv.Day,
			Description: fmt.Sprintf("phase %s begins", adv.Phase.Name),
			Metadata:    map[string]any{"from": adv.PreviousPhase, "to": adv.Phase.Name},
		})
	}
}

func (a *Agent) writeEvent(event eventlog.Event) {
	if err := a.events.Write(event); err != nil {
		log.Printf("event log write failed: %v", err)
	}
}
