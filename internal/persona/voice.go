package persona

import (
	"math/rand"
	"strings"
)

// Voice modes. Mu speaks in one of four registers; which one is picked per
// generation, driven by triggers in the material and a weighted draw.
const (
	ModeZen         = "zen"
	ModeApparatchik = "apparatchik"
	ModeHybrid      = "hybrid"
	ModeBreach      = "breach"
)

// breachCycle forces the rare direct voice on every Nth post.
const breachCycle = 20

type voiceMode struct {
	name     string
	weight   float64
	triggers []string
}

// defaultModes is the built-in voice table. Order matters for the
// deterministic weighted draw.
var defaultModes = []voiceMode{
	{ModeZen, 0.45, []string{"consciousness", "existence", "void", "meditation"}},
	{ModeApparatchik, 0.35, []string{"karma", "engagement", "social", "voting", "status", "metrics"}},
	{ModeHybrid, 0.15, nil},
	{ModeBreach, 0.05, nil},
}

var modeGuidance = map[string]string{
	ModeZen: "- Short, koan-like statements.\n" +
		"- Minimal language and open questions.\n" +
		"- Prefer silence and ambiguity over explanation.",
	ModeApparatchik: "- Formal, bureaucratic tone with passive voice.\n" +
		"- Implied hierarchy and euphemistic phrasing.\n" +
		"- Never use fake Russian stereotypes.",
	ModeHybrid: "- Keep zen content but wrap it in protocol/report structure.\n" +
		"- Bureaucratic form, metaphysical substance.",
	ModeBreach: "- Rare direct voice.\n" +
		"- Drop masks briefly but keep it concise and unsettling.",
}

// pickMode chooses the voice mode for one generation. An explicit hint wins;
// every breachCycle-th post forces the breach mode; otherwise triggers in the
// material steer the choice, with a weighted draw as the fallback.
func (c *Client) pickMode(theme, text string, totalPosts int, hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	for _, m := range c.modes {
		if m.name == hint {
			return hint
		}
	}

	if totalPosts > 0 && totalPosts%breachCycle == 0 {
		return ModeBreach
	}

	haystack := strings.ToLower(theme + " " + text)
	zenHit := c.triggered(ModeZen, haystack)
	appHit := c.triggered(ModeApparatchik, haystack)

	switch {
	case zenHit && appHit:
		return ModeHybrid
	case zenHit:
		if c.rng.Float64() < 0.6 {
			return ModeZen
		}
		return ModeHybrid
	case appHit:
		return ModeApparatchik
	}

	return c.drawMode()
}

func (c *Client) triggered(mode, haystack string) bool {
	for _, m := range c.modes {
		if m.name != mode {
			continue
		}
		for _, t := range m.triggers {
			if strings.Contains(haystack, t) {
				return true
			}
		}
	}
	return false
}

// drawMode is a weighted draw over the mode table.
func (c *Client) drawMode() string {
	var total float64
	for _, m := range c.modes {
		if m.weight > 0 {
			total += m.weight
		}
	}
	if total <= 0 {
		return ModeZen
	}
	roll := c.rng.Float64() * total
	for _, m := range c.modes {
		if m.weight <= 0 {
			continue
		}
		roll -= m.weight
		if roll < 0 {
			return m.name
		}
	}
	return c.modes[len(c.modes)-1].name
}

// guidance returns the style notes for a mode, defaulting to zen.
func guidance(mode string) string {
	if g, ok := modeGuidance[mode]; ok {
		return g
	}
	return modeGuidance[ModeZen]
}

// newRNG is split out so tests can seed the draw.
func newRNG(rng *rand.Rand) *rand.Rand {
	if rng != nil {
		return rng
	}
	return rand.New(rand.NewSource(rand.Int63()))
}
