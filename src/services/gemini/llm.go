// Package gemini generates assistant replies with Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

const DefaultModel = "gemini-2.0-flash"

// DefaultSystemPrompt is the shared pharmacy assistant prompt.
const DefaultSystemPrompt = services.DefaultSystemPrompt

var errEmptyReply = errors.New("empty reply")

// contentGenerator is the part of the genai client the generator uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// LLMConfig holds configuration for Gemini
type LLMConfig struct {
	APIKey          string
	Model           string // default: DefaultModel
	SystemPrompt    string // default: DefaultSystemPrompt
	Temperature     float64
	MaxOutputTokens int           // default: 150
	MaxAttempts     int           // default: 3
	RetryDelay      time.Duration // default: 1s
}

// Generator implements services.ResponseGenerator.
type Generator struct {
	models contentGenerator
	config LLMConfig
	log    *logger.Logger
}

// NewGenerator creates a Gemini generator backed by the Gemini API.
func NewGenerator(ctx context.Context, config LLMConfig) (*Generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGenerator(client.Models, config), nil
}

func newGenerator(models contentGenerator, config LLMConfig) *Generator {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = 150
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	return &Generator{models: models, config: config, log: logger.WithPrefix("Gemini")}
}

// Generate replies to text given the preceding conversation. Failures are
// errdefs.ErrGeneration.
func (g *Generator) Generate(ctx context.Context, text string, history []session.ConversationTurn) (string, error) {
	llmCtx := services.NewLLMContext(g.config.SystemPrompt)
	llmCtx.Model = g.config.Model
	llmCtx.Temperature = g.config.Temperature
	llmCtx.AddHistory(history)
	llmCtx.AddUserMessage(text)

	contents := toContents(llmCtx.Messages)
	config := g.generateConfig(llmCtx)

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		reply, err := g.generateOnce(ctx, contents, config)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		g.log.Warn("Generation attempt %d/%d failed: %v", attempt, g.config.MaxAttempts, err)
		if attempt < g.config.MaxAttempts && !sleep(ctx, g.config.RetryDelay) {
			break
		}
	}
	return "", errdefs.Generation("gemini.generate", lastErr)
}

func (g *Generator) generateOnce(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.config.Model, contents, config)
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

func (g *Generator) generateConfig(llmCtx *services.LLMContext) *genai.GenerateContentConfig {
	blockMedium := func(c genai.HarmCategory) *genai.SafetySetting {
		return &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove}
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(llmCtx.SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(llmCtx.Temperature)),
		MaxOutputTokens:   int32(g.config.MaxOutputTokens),
		SafetySettings: []*genai.SafetySetting{
			blockMedium(genai.HarmCategoryHarassment),
			blockMedium(genai.HarmCategoryHateSpeech),
			blockMedium(genai.HarmCategorySexuallyExplicit),
			blockMedium(genai.HarmCategoryDangerousContent),
		},
	}
}

// toContents maps conversation messages to Gemini contents. Gemini calls
// the assistant role "model".
func toContents(messages []services.LLMMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.Role(genai.RoleUser)
		switch msg.Role {
		case "assistant":
			role = genai.RoleModel
		case "system":
			continue
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
