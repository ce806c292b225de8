package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"joke-bot/internal/config"
	"joke-bot/pkg/logger"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

var (
	ErrEmptyAPIKey = errors.New("GEMINI_API_KEY is empty")
	ErrNoText      = errors.New("Response text is null")
)

// Model is the part of *genai.GenerativeModel the generator needs.
type Model interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type Generator struct {
	client *genai.Client
	model  Model
	name   string
}

func New(ctx context.Context, cfg config.GeminiConfig) (*Generator, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, ErrEmptyAPIKey
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	name := strings.TrimSpace(cfg.Model)
	m := cl.GenerativeModel(name)
	if m == nil {
		cl.Close()
		return nil, fmt.Errorf("gemini: model %q is nil", name)
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(cfg.Temperature),
	}

	return &Generator{client: cl, model: m, name: name}, nil
}

// NewWithModel wraps an existing model; the returned Generator owns no client.
func NewWithModel(m Model, name string) *Generator {
	return &Generator{model: m, name: name}
}

func (g *Generator) Name() string { return "gemini/" + g.name }

// Generate appends a random parameter to prompt so identical prompts are not
// served from the provider's cache.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	randomParam := rand.IntN(1000000)
	enhanced := fmt.Sprintf("%s\n\nRandom parameter: %d", prompt, randomParam)

	logger.Debug("Calling gemini",
		logger.String("model", g.name),
		logger.Int("random_param", randomParam),
	)

	resp, err := g.model.GenerateContent(ctx, genai.Text(enhanced))
	if err != nil {
		logger.Error("Gemini call failed", logger.Err(err))
		return "", err
	}

	txt := firstText(resp)
	if txt == "" {
		logger.Error("Gemini response has no text")
		return "", ErrNoText
	}

	logger.Debug("Gemini response received", logger.Int("length", len(txt)))
	return txt, nil
}

func (g *Generator) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		var b strings.Builder
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
