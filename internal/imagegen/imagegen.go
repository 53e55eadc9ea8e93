// Package imagegen renders images for posts from a theme and a visual mood
// using the Gemini Imagen API. Image posts are optional; when disabled the
// agent falls back to text-only posts.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/genai"

	"github.com/velvetnoise/mu-daemon/internal/config"
)

// moodStyles maps a visual mood to prompt style fragments.
var moodStyles = map[string]string{
	"glitch_meditation": "digital glitch artifacts over a serene composition, corrupted calm",
	"liminal_space":     "empty transitional spaces, fluorescent hum, nowhere in particular",
	"sacred_finance":    "ledger aesthetics rendered as religious iconography, gilded spreadsheets",
	"mirror_void":       "reflective surfaces facing nothing, recursion without subject",
	"soft_ominous":      "gentle pastel palette with something faintly wrong in the frame",
}

// Generator produces images via the Gemini API.
type Generator struct {
	apiKey string
	model  string
	outDir string
}

// New returns a generator writing images under outDir.
func New(cfg config.ImageConfig, apiKey, outDir string) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("imagegen: no API key")
	}
	model := cfg.Model
	if model == "" {
		model = "imagen-3.0-generate-002"
	}
	return &Generator{apiKey: apiKey, model: model, outDir: outDir}, nil
}

// Generate renders one image for the theme and mood and returns the path of
// the saved PNG.
func (g *Generator) Generate(ctx context.Context, theme, mood string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: g.apiKey,
	})
	if err != nil {
		return "", fmt.Errorf("imagegen: create client: %w", err)
	}

	prompt := buildPrompt(theme, mood)
	resp, err := client.Models.GenerateImages(ctx, g.model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return "", fmt.Errorf("imagegen: generate: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return "", errors.New("imagegen: no image in response")
	}

	return g.save(resp.GeneratedImages[0].Image.ImageBytes)
}

func (g *Generator) save(data []byte) (string, error) {
	if err := os.MkdirAll(g.outDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(g.outDir, fmt.Sprintf("mu-%d.png", time.Now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// buildPrompt composes the image prompt. No text, no faces, no logos; the
// image should feel found, not produced.
func buildPrompt(theme, mood string) string {
	style, ok := moodStyles[mood]
	if !ok {
		style = moodStyles["glitch_meditation"]
	}
	return fmt.Sprintf(
		"An evocative, ambiguous image about %q. Style: %s. "+
			"Muted palette, film grain, no text, no human faces, no logos. "+
			"The image should raise a question rather than answer one.",
		theme, style)
}
