package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

func streamReply(w http.ResponseWriter, parts ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range parts {
		chunk, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": p}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestGenerateStreamsReply(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		streamReply(w, "Your refill ", "is ready.")
	}))
	defer srv.Close()

	g := NewGenerator(LLMConfig{APIKey: "sk-test", BaseURL: srv.URL, Temperature: 0.2})
	history := []session.ConversationTurn{
		{Speaker: session.SpeakerCaller, Text: "Hi."},
		{Speaker: session.SpeakerAssistant, Text: "Hello, how can I help?"},
	}

	reply, err := g.Generate(context.Background(), "Is my refill ready?", history)
	require.NoError(t, err)
	assert.Equal(t, "Your refill is ready.", reply)

	assert.Equal(t, DefaultModel, got["model"])
	assert.EqualValues(t, 150, got["max_tokens"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 4)
	roles := make([]string, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		streamReply(w, "Okay.")
	}))
	defer srv.Close()

	g := NewGenerator(LLMConfig{BaseURL: srv.URL, RetryDelay: time.Millisecond})
	reply, err := g.Generate(context.Background(), "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Okay.", reply)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewGenerator(LLMConfig{BaseURL: srv.URL, RetryDelay: time.Millisecond})
	_, err := g.Generate(context.Background(), "Hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrGeneration)

	var apiErr *errdefs.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGenerateEmptyStreamIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamReply(w, "  ")
	}))
	defer srv.Close()

	g := NewGenerator(LLMConfig{BaseURL: srv.URL, MaxAttempts: 1})
	_, err := g.Generate(context.Background(), "Hello", nil)
	assert.ErrorIs(t, err, errdefs.ErrGeneration)
}
