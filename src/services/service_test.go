package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

func TestLLMContextAddHistory(t *testing.T) {
	c := NewLLMContext("be brief")
	c.AddHistory([]session.ConversationTurn{
		{Speaker: session.SpeakerCaller, Text: "is my refill ready"},
		{Speaker: session.SpeakerAssistant, Text: "yes it is"},
		{Speaker: session.SpeakerCaller, Text: ""},
	})

	assert.Equal(t, []LLMMessage{
		{Role: "user", Content: "is my refill ready"},
		{Role: "assistant", Content: "yes it is"},
	}, c.Messages)
	assert.Equal(t, 0.7, c.Temperature)

	c.Clear()
	assert.Empty(t, c.Messages)
}
