// Package breadcrumb decides whether an action carries a hidden pattern
// element. The output looks random from the outside but is fully determined
// by the persisted counters and the injected random source.
package breadcrumb

import (
	"math/rand"
	"time"

	"github.com/velvetnoise/mu-daemon/internal/state"
)

// Attachment is the hidden material to embed in a single post. Either field
// may be empty; both empty means the post carries nothing.
type Attachment struct {
	Phrase string
	Sigil  string
}

// Empty reports whether nothing is attached.
func (a Attachment) Empty() bool {
	return a.Phrase == "" && a.Sigil == ""
}

// Generator applies the breadcrumb policy. The rand source is injected so
// tests can force determinism; production passes a fresh time-seeded source.
type Generator struct {
	cycle     int
	sigil     string
	sigilProb float64
	phrases   []string
	rng       *rand.Rand
}

// New builds a generator. cycle is the every-Nth-post period for recurring
// phrases; sigilProb is the independent per-post sigil probability.
func New(cycle int, sigil string, sigilProb float64, phrases []string, rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{
		cycle:     cycle,
		sigil:     sigil,
		sigilProb: sigilProb,
		phrases:   append([]string(nil), phrases...),
		rng:       rng,
	}
}

// ForPost decides the attachment for the next post, given the current state.
// Only posts are eligible; comments and upvotes never carry breadcrumbs. The
// decision reads state but does not write it: the caller records the
// attachment through the state once the post actually succeeds.
func (g *Generator) ForPost(st *state.AgentState) Attachment {
	var out Attachment

	postNumber := st.TotalPosts + 1
	if g.cycle > 0 && postNumber%g.cycle == 0 {
		out.Phrase = g.pickPhrase(st)
	}

	// The sigil rides its own probability, independent of the phrase cycle,
	// but never twice on the same narrative day.
	if g.sigil != "" && g.rng.Float64() < g.sigilProb {
		if !st.HasBreadcrumb(state.BreadcrumbSigil, st.CurrentDay) {
			out.Sigil = g.sigil
		}
	}

	return out
}

// Record logs a placed attachment into the state. Call it only after the
// carrying post was confirmed created.
func (g *Generator) Record(st *state.AgentState, att Attachment, now time.Time) {
	if att.Phrase != "" {
		st.RecordBreadcrumb(state.BreadcrumbPhrase, st.CurrentDay, att.Phrase, now)
	}
	if att.Sigil != "" {
		st.RecordBreadcrumb(state.BreadcrumbSigil, st.CurrentDay, att.Sigil, now)
	}
}

// pickPhrase chooses the next recurring phrase round-robin, never repeating
// the previous phrase and never reusing a (phrase, day) pair already logged.
// Returns "" when every phrase is exhausted for the current day.
func (g *Generator) pickPhrase(st *state.AgentState) string {
	if len(g.phrases) == 0 {
		return ""
	}

	placed := 0
	for _, crumb := range st.Breadcrumbs {
		if crumb.Kind == state.BreadcrumbPhrase {
			placed++
		}
	}
	last := st.LastPhrase()

	for offset := 0; offset < len(g.phrases); offset++ {
		candidate := g.phrases[(placed+offset)%len(g.phrases)]
		if candidate == last && len(g.phrases) > 1 {
			continue
		}
		if st.HasPhraseOnDay(candidate, st.CurrentDay) {
			continue
		}
		return candidate
	}
	return ""
}
