package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientReturnsFirstChoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-test", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Note : 12/20\nFeedback : Peut mieux faire.  "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18}
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1", Model: "gpt-test", Logger: zerolog.Nop()})
	require.NoError(t, err)

	reply, err := client.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, "Note : 12/20\nFeedback : Peut mieux faire.", reply)
	require.Equal(t, "openai", client.Provider())
}

func TestOpenAIClientWrapsServiceErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1", Model: "gpt-test"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "prompt")
	require.ErrorIs(t, err, ErrCompletionFailed)
}

func TestOpenAIClientRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "cmpl-2", "choices": []}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "prompt")
	require.ErrorIs(t, err, ErrCompletionFailed)
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)
}
