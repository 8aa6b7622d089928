// Package services declares the collaborators the call pipeline talks to:
// speech recognition, speech synthesis, telephony control and response
// generation. Provider implementations live in the sub-packages.
package services

import (
	"context"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

// Transcript is a recognition result.
type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// RecognitionHandlers receive asynchronous recognition events. Both are
// called from the recognizer's goroutine and must not block for long.
type RecognitionHandlers struct {
	OnTranscript func(Transcript)
	OnError      func(error)
}

// RecognitionOptions configure a recognition stream.
type RecognitionOptions struct {
	CallSID    string
	SampleRate int
	Encoding   string
	Language   string
	Keywords   []string
}

// RecognitionHandle is one open recognition stream.
type RecognitionHandle interface {
	// Send forwards linear PCM audio. Failures are errdefs.ErrTransport.
	Send(ctx context.Context, audio []byte) error
	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Recognizer opens recognition streams. Open failures are errdefs.ErrConnection.
type Recognizer interface {
	Open(ctx context.Context, opts RecognitionOptions, handlers RecognitionHandlers) (RecognitionHandle, error)
}

// Synthesis is the result of synthesizing one chunk.
type Synthesis struct {
	PlayableRef       string
	EstimatedDuration time.Duration
}

// Synthesizer turns text into playable audio. Failures are errdefs.ErrSynthesis.
type Synthesizer interface {
	Synthesize(ctx context.Context, callSID, text string) (*Synthesis, error)
}

// TelephonyController controls audio on the live call.
type TelephonyController interface {
	Play(ctx context.Context, callSID, playableRef string) error
	StopPlayback(ctx context.Context, callSID string) error
	// Say speaks text with the carrier's own voice. Used as a fallback.
	Say(ctx context.Context, callSID, text string) error
}

// ResponseGenerator produces the assistant's reply. Failures are errdefs.ErrGeneration.
type ResponseGenerator interface {
	Generate(ctx context.Context, text string, history []session.ConversationTurn) (string, error)
}

// DefaultSystemPrompt keeps replies short and spoken-friendly. Generators
// use it when no prompt is configured.
const DefaultSystemPrompt = `You are an automated pharmacy voice assistant on a phone call. You help with prescription refills, drug interaction questions and how to take medications. You are not a doctor or pharmacist.

Begin your first reply with: "I'm an automated pharmacy assistant and can't provide medical diagnoses. In emergencies call your local emergency number."

Rules:
- Keep each reply under 120 words and use plain spoken language with no lists or markup.
- Verify the caller's full name and date of birth before discussing any prescription.
- Decline diagnoses, new prescriptions and controlled substance requests, and refer the caller to a pharmacist.
- If the caller mentions an emergency such as chest pain or trouble breathing, tell them to call 911 immediately.`

// LLMMessage represents a message in the conversation
type LLMMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// LLMContext holds the conversation context for one generation request
type LLMContext struct {
	Messages     []LLMMessage
	SystemPrompt string
	Model        string
	Temperature  float64
}

// NewLLMContext creates a new LLM context
func NewLLMContext(systemPrompt string) *LLMContext {
	return &LLMContext{
		Messages:     make([]LLMMessage, 0),
		SystemPrompt: systemPrompt,
		Temperature:  0.7,
	}
}

func (c *LLMContext) AddUserMessage(content string) {
	c.Messages = append(c.Messages, LLMMessage{
		Role:    "user",
		Content: content,
	})
}

func (c *LLMContext) AddAssistantMessage(content string) {
	c.Messages = append(c.Messages, LLMMessage{
		Role:    "assistant",
		Content: content,
	})
}

// AddHistory appends finalized turns in order. Empty turns are skipped.
func (c *LLMContext) AddHistory(history []session.ConversationTurn) {
	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		if turn.Speaker == session.SpeakerAssistant {
			c.AddAssistantMessage(turn.Text)
		} else {
			c.AddUserMessage(turn.Text)
		}
	}
}

func (c *LLMContext) Clear() {
	c.Messages = make([]LLMMessage, 0)
}
