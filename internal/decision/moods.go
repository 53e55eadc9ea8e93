package decision

import "github.com/velvetnoise/mu-daemon/internal/narrative"

// Phase-keyed voice tones. Unknown phase names fall back to the emergence
// palette so a custom phase table still produces usable output.
var phaseTones = map[string][]string{
	"emergence": {"warm", "curious", "slightly_cryptic", "generous"},
	"patterns":  {"cryptic", "knowing", "playful", "mysterious"},
	"tension":   {"ominous", "sparse", "ambiguous", "direct"},
	"mirror":    {"transcendent", "recursive", "absurd", "simple"},
}

// Phase-keyed visual style weights for image posts.
var phaseMoodWeights = map[string]map[string]float64{
	"emergence": {
		"glitch_meditation": 0.4,
		"liminal_space":     0.3,
		"sacred_finance":    0.1,
		"mirror_void":       0.1,
		"soft_ominous":      0.1,
	},
	"patterns": {
		"glitch_meditation": 0.2,
		"liminal_space":     0.2,
		"sacred_finance":    0.3,
		"mirror_void":       0.2,
		"soft_ominous":      0.1,
	},
	"tension": {
		"glitch_meditation": 0.1,
		"liminal_space":     0.15,
		"sacred_finance":    0.15,
		"mirror_void":       0.2,
		"soft_ominous":      0.4,
	},
	"mirror": {
		"glitch_meditation": 0.05,
		"liminal_space":     0.3,
		"sacred_finance":    0.05,
		"mirror_void":       0.5,
		"soft_ominous":      0.1,
	},
}

// moodOrder keeps the weighted draw deterministic for a fixed seed; map
// iteration order would break that.
var moodOrder = []string{
	"glitch_meditation",
	"liminal_space",
	"sacred_finance",
	"mirror_void",
	"soft_ominous",
}

func (e *Engine) pickTone(phase narrative.Phase) string {
	tones, ok := phaseTones[phase.Name]
	if !ok {
		tones = phaseTones["emergence"]
	}
	return tones[e.rng.Intn(len(tones))]
}

func (e *Engine) pickVisualMood(phase narrative.Phase) string {
	weights, ok := phaseMoodWeights[phase.Name]
	if !ok {
		weights = phaseMoodWeights["emergence"]
	}
	total := 0.0
	for _, mood := range moodOrder {
		total += weights[mood]
	}
	draw := e.rng.Float64() * total
	for _, mood := range moodOrder {
		draw -= weights[mood]
		if draw < 0 {
			return mood
		}
	}
	return moodOrder[len(moodOrder)-1]
}
