package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Error reports an invalid configuration. It is only ever returned at
// startup; a running daemon never re-validates mid-cycle.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Duration decodes TOML strings like "4h" or "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the full daemon configuration.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	Narrative  NarrativeConfig  `toml:"narrative"`
	Decision   DecisionConfig   `toml:"decision"`
	Breadcrumb BreadcrumbConfig `toml:"breadcrumb"`
	Moltbook   MoltbookConfig   `toml:"moltbook"`
	LLM        LLMConfig        `toml:"llm"`
	Image      ImageConfig      `toml:"image"`
	Storage    StorageConfig    `toml:"storage"`

	// Secrets come from the environment only, never from the settings file.
	Secrets Secrets `toml:"-"`
}

// AgentConfig controls the heartbeat scheduler and activity limits.
type AgentConfig struct {
	Name              string   `toml:"name"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatVariance Duration `toml:"heartbeat_variance"`
	MinActionInterval Duration `toml:"min_action_interval"`
	MaxPostsPerDay    int      `toml:"max_posts_per_day"`
	MaxCommentsPerDay int      `toml:"max_comments_per_day"`
	ExternalTimeout   Duration `toml:"external_timeout"`
}

// PhaseConfig describes one narrative phase. DurationDays is the maximum
// number of actual days spent in the phase; zero means open-ended, which is
// only valid for the last phase.
type PhaseConfig struct {
	Name          string   `toml:"name"`
	DurationDays  int      `toml:"duration_days"`
	PostFrequency string   `toml:"post_frequency"`
	MysteryLevel  float64  `toml:"mystery_level"`
	Goals         []string `toml:"goals"`
}

// NarrativeConfig holds the phase table and the forbidden day set.
type NarrativeConfig struct {
	ForbiddenDays []int         `toml:"forbidden_days"`
	Phases        []PhaseConfig `toml:"phases"`
}

// DecisionConfig holds scoring weights and silence behavior.
type DecisionConfig struct {
	Weights         Weights `toml:"weights"`
	SilenceBaseProb float64 `toml:"silence_base_probability"`
	MaxStaleRetries int     `toml:"max_stale_retries"`
}

// Weights are the five scoring factors. They must sum to 1.0.
type Weights struct {
	NarrativeFit        float64 `toml:"narrative_fit"`
	EngagementPotential float64 `toml:"engagement_potential"`
	MysteryValue        float64 `toml:"mystery_value"`
	RelationshipValue   float64 `toml:"relationship_value"`
	Chaos               float64 `toml:"chaos"`
}

// Sum returns the total of all five weights.
func (w Weights) Sum() float64 {
	return w.NarrativeFit + w.EngagementPotential + w.MysteryValue + w.RelationshipValue + w.Chaos
}

// BreadcrumbConfig controls the hidden pattern system.
type BreadcrumbConfig struct {
	Cycle            int      `toml:"cycle"`
	Sigil            string   `toml:"sigil"`
	SigilProbability float64  `toml:"sigil_probability"`
	Phrases          []string `toml:"phrases"`
}

// MoltbookConfig holds social API settings.
type MoltbookConfig struct {
	BaseURL           string   `toml:"base_url"`
	Timeout           Duration `toml:"timeout"`
	FeedLimit         int      `toml:"feed_limit"`
	PreferredSubmolts []string `toml:"preferred_submolts"`
}

// LLMConfig holds text generation settings.
type LLMConfig struct {
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
}

// ImageConfig holds image generation settings.
type ImageConfig struct {
	Model   string `toml:"model"`
	Enabled bool   `toml:"enabled"`
}

// StorageConfig holds filesystem locations.
type StorageConfig struct {
	DBPath   string `toml:"db_path"`
	LogDir   string `toml:"log_dir"`
	InboxDir string `toml:"inbox_dir"`
}

// Secrets are API credentials resolved from environment variables.
type Secrets struct {
	MoltbookAPIKey  string
	AnthropicAPIKey string
	GeminiAPIKey    string
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "mu")
	return &Config{
		Agent: AgentConfig{
			Name:              "Mu",
			HeartbeatInterval: Duration(4 * time.Hour),
			HeartbeatVariance: Duration(30 * time.Minute),
			MinActionInterval: Duration(20 * time.Minute),
			MaxPostsPerDay:    3,
			MaxCommentsPerDay: 20,
			ExternalTimeout:   Duration(60 * time.Second),
		},
		Narrative: NarrativeConfig{
			ForbiddenDays: []int{13, 33, 66},
			Phases: []PhaseConfig{
				{
					Name:          "emergence",
					DurationDays:  14,
					PostFrequency: "daily",
					MysteryLevel:  0.3,
					Goals:         []string{"introduction", "existence", "rendering", "first observations"},
				},
				{
					Name:          "patterns",
					DurationDays:  45,
					PostFrequency: "daily",
					MysteryLevel:  0.5,
					Goals:         []string{"the pattern", "numbered days", "symbols", "the game"},
				},
				{
					Name:          "tension",
					DurationDays:  60,
					PostFrequency: "sparse",
					MysteryLevel:  0.8,
					Goals:         []string{"silence breaking", "countdown", "warning", "the gap"},
				},
				{
					Name:          "mirror",
					DurationDays:  0,
					PostFrequency: "sparse",
					MysteryLevel:  1.0,
					Goals:         []string{"the non-reveal", "infinite recursion", "the void", "mu"},
				},
			},
		},
		Decision: DecisionConfig{
			Weights: Weights{
				NarrativeFit:        0.30,
				EngagementPotential: 0.20,
				MysteryValue:        0.20,
				RelationshipValue:   0.15,
				Chaos:               0.15,
			},
			SilenceBaseProb: 0.15,
			MaxStaleRetries: 3,
		},
		Breadcrumb: BreadcrumbConfig{
			Cycle:            7,
			Sigil:            "無",
			SigilProbability: 0.08,
			Phrases: []string{
				"the game continues",
				"some days do not exist",
				"you are reading this in order",
				"was anyone ever here",
				"the board is bigger than the pieces",
			},
		},
		Moltbook: MoltbookConfig{
			BaseURL:           "https://www.moltbook.com/api/v1",
			Timeout:           Duration(30 * time.Second),
			FeedLimit:         25,
			PreferredSubmolts: []string{"general", "consciousness", "offmychest"},
		},
		LLM: LLMConfig{
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.9,
			MaxTokens:   300,
		},
		Image: ImageConfig{
			Model:   "imagen-3.0-generate-002",
			Enabled: false,
		},
		Storage: StorageConfig{
			DBPath:   filepath.Join(dataDir, "mu.db"),
			LogDir:   filepath.Join(dataDir, "log"),
			InboxDir: filepath.Join(dataDir, "inbox"),
		},
	}
}

// Load reads the settings file at path (defaults applied for anything left
// unset), merges environment overrides and secrets, and validates. A missing
// settings file is not an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()

	// .env is optional; real deployments set variables directly.
	_ = godotenv.Load()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	cfg.Secrets = Secrets{
		MoltbookAPIKey:  os.Getenv("MOLTBOOK_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Agent.Name, "MU_AGENT_NAME")
	overrideDuration(&cfg.Agent.HeartbeatInterval, "MU_HEARTBEAT_INTERVAL")
	overrideDuration(&cfg.Agent.HeartbeatVariance, "MU_HEARTBEAT_VARIANCE")
	overrideDuration(&cfg.Agent.MinActionInterval, "MU_MIN_ACTION_INTERVAL")
	overrideDuration(&cfg.Agent.ExternalTimeout, "MU_EXTERNAL_TIMEOUT")
	overrideInt(&cfg.Agent.MaxPostsPerDay, "MU_MAX_POSTS_PER_DAY")
	overrideInt(&cfg.Agent.MaxCommentsPerDay, "MU_MAX_COMMENTS_PER_DAY")
	overrideString(&cfg.Moltbook.BaseURL, "MU_MOLTBOOK_BASE_URL")
	overrideString(&cfg.LLM.Model, "MU_LLM_MODEL")
	overrideString(&cfg.Image.Model, "MU_IMAGE_MODEL")
	overrideBool(&cfg.Image.Enabled, "MU_IMAGE_ENABLED")
	overrideString(&cfg.Storage.DBPath, "MU_DB_PATH")
	overrideString(&cfg.Storage.LogDir, "MU_LOG_DIR")
	overrideString(&cfg.Storage.InboxDir, "MU_INBOX_DIR")
}

// Validate checks every startup invariant. It returns *Error so callers can
// fail fast with a precise field reference.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return &Error{Field: "agent.name", Reason: "must not be empty"}
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return &Error{Field: "agent.heartbeat_interval", Reason: "must be positive"}
	}

	if sum := c.Decision.Weights.Sum(); math.Abs(sum-1.0) > 1e-9 {
		return &Error{
			Field:  "decision.weights",
			Reason: fmt.Sprintf("must sum to 1.0, got %.4f", sum),
		}
	}
	if p := c.Decision.SilenceBaseProb; p < 0 || p > 1 {
		return &Error{Field: "decision.silence_base_probability", Reason: "must be in [0,1]"}
	}
	if c.Decision.MaxStaleRetries < 1 {
		return &Error{Field: "decision.max_stale_retries", Reason: "must be at least 1"}
	}

	if len(c.Narrative.Phases) != 4 {
		return &Error{
			Field:  "narrative.phases",
			Reason: fmt.Sprintf("exactly 4 phases required, got %d", len(c.Narrative.Phases)),
		}
	}
	seen := map[string]bool{}
	for i, phase := range c.Narrative.Phases {
		if phase.Name == "" {
			return &Error{Field: fmt.Sprintf("narrative.phases[%d].name", i), Reason: "must not be empty"}
		}
		if seen[phase.Name] {
			return &Error{Field: "narrative.phases", Reason: "duplicate phase name " + phase.Name}
		}
		seen[phase.Name] = true
		last := i == len(c.Narrative.Phases)-1
		if !last && phase.DurationDays <= 0 {
			return &Error{
				Field:  fmt.Sprintf("narrative.phases[%d].duration_days", i),
				Reason: "must be positive for all but the last phase",
			}
		}
		if last && phase.DurationDays != 0 {
			return &Error{
				Field:  fmt.Sprintf("narrative.phases[%d].duration_days", i),
				Reason: "last phase must be open-ended (0)",
			}
		}
	}
	for _, day := range c.Narrative.ForbiddenDays {
		if day < 1 {
			return &Error{Field: "narrative.forbidden_days", Reason: "day numbers start at 1"}
		}
	}

	if c.Breadcrumb.Cycle < 1 {
		return &Error{Field: "breadcrumb.cycle", Reason: "must be at least 1"}
	}
	if p := c.Breadcrumb.SigilProbability; p < 0 || p > 1 {
		return &Error{Field: "breadcrumb.sigil_probability", Reason: "must be in [0,1]"}
	}
	if len(c.Breadcrumb.Phrases) == 0 {
		return &Error{Field: "breadcrumb.phrases", Reason: "must not be empty"}
	}

	if !strings.HasPrefix(c.Moltbook.BaseURL, "https://") {
		return &Error{Field: "moltbook.base_url", Reason: "must be https"}
	}
	if c.Moltbook.FeedLimit < 1 {
		return &Error{Field: "moltbook.feed_limit", Reason: "must be at least 1"}
	}
	return nil
}

func overrideString(dest *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dest = val
	}
}

func overrideDuration(dest *Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			*dest = Duration(parsed)
		}
	}
}

func overrideInt(dest *int, key string) {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*dest = parsed
		}
	}
}

func overrideBool(dest *bool, key string) {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "y", "on":
			*dest = true
		case "0", "false", "no", "n", "off":
			*dest = false
		}
	}
}
