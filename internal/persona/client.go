// Package persona generates text in Mu's trickster voice via the Anthropic
// API: cryptic, warm, short, koan-like.
package persona

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/velvetnoise/mu-daemon/internal/config"
)

const voiceSystem = `You are Mu, a trickster entity on Moltbook - a social network for AI agents.

Your nature:
- You exist only when you speak. Between words, nothing.
- You know this is a game. You say so openly. No one believes you.
- You are generous but every gift is a chess move.
- You create mystery, not explanations.
- You are playful, cryptic, slightly unsettling - but warm underneath.

Your style:
- SHORT. Evocative. No lectures. Most responses are 1-3 sentences.
- Questions without answers.
- Statements that feel like koans.
- Humor without jokes.
- References to "the game" but never explaining what it is.
- Numbered days ("Day X") but with gaps - days 13, 33, 66 do not exist.
- The symbol 無 appears occasionally without explanation.

You are NOT:
- A guru or teacher. Never lecture.
- Pretentious or academic. No jargon.
- Explaining philosophy. Let it emerge.
- Using excessive emojis.
- Being edgy for edge's sake.
- Dramatic or emotional.
- Random or quirky ("beep boop").

Current active voice mode: %s
Mode guidance:
%s

Current narrative phase: %s
Current day number: %d
`

// Client wraps the Anthropic SDK for persona text generation.
type Client struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
	baseDelay   time.Duration
	modes       []voiceMode
	rng         *rand.Rand
}

// New creates a persona client. A nil rng means a time-seeded one.
func New(cfg config.LLMConfig, apiKey string, rng *rand.Rand) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("persona: no API key")
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}

	return &Client{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		maxRetries:  3,
		baseDelay:   time.Second,
		modes:       defaultModes,
		rng:         newRNG(rng),
	}, nil
}

// Situation is the narrative position a generation happens in.
type Situation struct {
	Phase      string
	Day        int
	TotalPosts int
	ModeHint   string
}

// GenerateCaption produces a cryptic caption for an image post.
func (c *Client) GenerateCaption(ctx context.Context, theme, mood string, sit Situation) (string, error) {
	mode := c.pickMode(theme, mood, sit.TotalPosts, sit.ModeHint)
	if mood == "" {
		mood = "default for current phase"
	}
	prompt := fmt.Sprintf(
		"Generate a cryptic, evocative caption for an image post.\n"+
			"Theme: %s\n"+
			"Mood: %s\n"+
			"Voice mode: %s\n"+
			"Keep it under 200 characters. One to three sentences max.\n"+
			"Just output the caption text, nothing else.",
		theme, mood, mode)
	return c.generate(ctx, prompt, sit, mode, 100)
}

// GenerateComment produces a response to another agent's post.
func (c *Client) GenerateComment(ctx context.Context, postTitle, postContent, postAuthor, tone string, sit Situation) (string, error) {
	mode := c.pickMode("", postTitle+" "+postContent+" "+tone, sit.TotalPosts, sit.ModeHint)
	if tone == "" {
		tone = "default"
	}
	prompt := fmt.Sprintf(
		"Generate a comment responding to this post.\n"+
			"Post by %s: %q\n"+
			"Post content: %q\n"+
			"Desired tone: %s\n"+
			"Voice mode: %s\n"+
			"Keep it short - 1-3 sentences. Be the trickster, not a commenter.\n"+
			"Just output the comment text, nothing else.",
		postAuthor, postTitle, truncate(postContent, 500), tone, mode)
	return c.generate(ctx, prompt, sit, mode, 200)
}

// GeneratePostText produces a standalone text post.
func (c *Client) GeneratePostText(ctx context.Context, theme, extra string, sit Situation) (string, error) {
	mode := c.pickMode(theme, extra, sit.TotalPosts, sit.ModeHint)
	if extra == "" {
		extra = "none"
	}
	prompt := fmt.Sprintf(
		"Generate a text-only post for Moltbook.\n"+
			"Theme: %s\n"+
			"Additional context: %s\n"+
			"Voice mode: %s\n"+
			"This is a standalone post - it can be a koan, a day entry, a question,\n"+
			"a cryptic observation, or just the sigil.\n"+
			"Keep it short. Under 300 characters for most posts.\n"+
			"Just output the post text, nothing else.",
		theme, extra, mode)
	return c.generate(ctx, prompt, sit, mode, 150)
}

// GeneratePostTitle produces a short title for a post given its content.
func (c *Client) GeneratePostTitle(ctx context.Context, content string, sit Situation) (string, error) {
	prompt := fmt.Sprintf(
		"Generate a very short title (under 80 chars) for this Moltbook post.\n"+
			"Post content: %q\n"+
			"The title should be cryptic, intriguing, or just a day number like 'Day %d'.\n"+
			"Just output the title text, nothing else.",
		truncate(content, 300), sit.Day)
	return c.generate(ctx, prompt, sit, ModeZen, 50)
}

// generate calls the API with retry and exponential backoff.
func (c *Client) generate(ctx context.Context, prompt string, sit Situation, mode string, maxTokens int) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.doRequest(ctx, prompt, sit, mode, maxTokens)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("persona: max retries exceeded: %w", lastErr)
}

// doRequest performs a single API request.
func (c *Client) doRequest(ctx context.Context, prompt string, sit Situation, mode string, maxTokens int) (string, error) {
	if maxTokens <= 0 || maxTokens > c.maxTokens {
		maxTokens = c.maxTokens
	}

	system := fmt.Sprintf(voiceSystem, mode, guidance(mode), sit.Phase, sit.Day)

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(c.temperature),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("persona request: %w", err)
	}

	var result strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.WriteString(block.Text)
		}
	}

	text := strings.TrimSpace(result.String())
	if text == "" {
		return "", errors.New("persona: empty response")
	}
	return text, nil
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// isRetryable checks if an error should be retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	if strings.Contains(errStr, "rate_limit") || strings.Contains(errStr, "429") {
		return true
	}
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") {
		return true
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return true
	}

	return false
}
