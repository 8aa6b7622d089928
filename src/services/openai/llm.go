// Package openai generates assistant replies with the OpenAI chat completions API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	provider       = "openai"
)

var errEmptyReply = errors.New("empty reply")

// LLMConfig holds configuration for OpenAI
type LLMConfig struct {
	APIKey          string
	BaseURL         string // default: DefaultBaseURL
	Model           string // e.g., "gpt-4o-mini", "gpt-4-turbo"
	SystemPrompt    string // default: services.DefaultSystemPrompt
	Temperature     float64
	MaxOutputTokens int           // default: 150
	MaxAttempts     int           // default: 3
	RetryDelay      time.Duration // default: 1s
	HTTPClient      *http.Client
}

// Generator implements services.ResponseGenerator.
type Generator struct {
	config LLMConfig
	client *http.Client
	log    *logger.Logger
}

// NewGenerator creates an OpenAI generator
func NewGenerator(config LLMConfig) *Generator {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = services.DefaultSystemPrompt
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
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Generator{config: config, client: client, log: logger.WithPrefix("OpenAI")}
}

// Generate replies to text given the preceding conversation. Client errors
// other than rate limiting are not retried. Failures are errdefs.ErrGeneration.
func (g *Generator) Generate(ctx context.Context, text string, history []session.ConversationTurn) (string, error) {
	llmCtx := services.NewLLMContext(g.config.SystemPrompt)
	llmCtx.Model = g.config.Model
	llmCtx.Temperature = g.config.Temperature
	llmCtx.AddHistory(history)
	llmCtx.AddUserMessage(text)

	body, err := json.Marshal(g.request(llmCtx))
	if err != nil {
		return "", errdefs.Generation("openai.generate", err)
	}

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		reply, err := g.generateOnce(ctx, body)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		var apiErr *errdefs.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			break
		}
		g.log.Warn("Generation attempt %d/%d failed: %v", attempt, g.config.MaxAttempts, err)
		if attempt < g.config.MaxAttempts && !sleep(ctx, g.config.RetryDelay) {
			break
		}
	}
	return "", errdefs.Generation("openai.generate", lastErr)
}

func (g *Generator) request(llmCtx *services.LLMContext) map[string]interface{} {
	messages := []map[string]string{
		{
			"role":    "system",
			"content": llmCtx.SystemPrompt,
		},
	}
	for _, msg := range llmCtx.Messages {
		messages = append(messages, map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}
	return map[string]interface{}{
		"model":       llmCtx.Model,
		"messages":    messages,
		"temperature": llmCtx.Temperature,
		"max_tokens":  g.config.MaxOutputTokens,
		"stream":      true,
	}
}

func (g *Generator) generateOnce(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.config.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &errdefs.APIError{Provider: provider, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	// Stream response
	var fullResponse strings.Builder
	scanner := bufio.NewScanner(resp.Body)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var streamResp struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}
		if len(streamResp.Choices) > 0 {
			fullResponse.WriteString(streamResp.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	reply := strings.TrimSpace(fullResponse.String())
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
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
