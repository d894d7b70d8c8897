package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettleglass/kettle/services/ask/datatypes"
)

func TestOpenAIStreamClient_WireFormat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	client := NewOpenAIStreamClientWith(srv.URL, "test-key", "gpt-4o-mini")
	messages := datatypes.BuildAskMessages("sys prompt", "What is 2+2?", "AAAA")

	body, err := client.OpenStream(context.Background(), messages, GenerationParams{})
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, "gpt-4o-mini", captured["model"])
	assert.Equal(t, true, captured["stream"])
	assert.InDelta(t, 0.7, captured["temperature"].(float64), 0.001)
	assert.EqualValues(t, 2048, captured["max_tokens"])

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)

	system := msgs[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, "sys prompt", system["content"])

	user := msgs[1].(map[string]any)
	assert.Equal(t, "user", user["role"])
	parts := user["content"].([]any)
	require.Len(t, parts, 2)

	text := parts[0].(map[string]any)
	assert.Equal(t, "text", text["type"])
	assert.Equal(t, "User Request: What is 2+2?", text["text"])

	image := parts[1].(map[string]any)
	assert.Equal(t, "image_url", image["type"])
	assert.Equal(t, "data:image/jpeg;base64,AAAA",
		image["image_url"].(map[string]any)["url"])
}

func TestOpenAIStreamClient_TextOnlyFallbackShape(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	client := NewOpenAIStreamClientWith(srv.URL, "k", "m")
	messages := datatypes.BuildTextOnlyMessages("sys", "  question  ")

	body, err := client.OpenStream(context.Background(), messages, GenerationParams{})
	require.NoError(t, err)
	body.Close()

	user := captured["messages"].([]any)[1].(map[string]any)
	// Fallback user content is a plain string, not a parts array.
	assert.Equal(t, "User Request: question", user["content"])
}

func TestOpenAIStreamClient_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\ndata: [DONE]\n"))
	}))
	defer srv.Close()

	client := NewOpenAIStreamClientWith(srv.URL, "k", "m")
	body, err := client.OpenStream(context.Background(), datatypes.BuildTextOnlyMessages("s", "q"), GenerationParams{})
	require.NoError(t, err)
	defer body.Close()

	sc := bufio.NewScanner(body)
	require.True(t, sc.Scan())
	assert.True(t, strings.HasPrefix(sc.Text(), "data: "))
}

func TestOpenAIStreamClient_ProviderErrorIncludesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model does not support image_url content"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewOpenAIStreamClientWith(srv.URL, "k", "m")
	_, err := client.OpenStream(context.Background(), datatypes.BuildTextOnlyMessages("s", "q"), GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "image_url")
}

func TestOpenAIStreamClient_ParamOverrides(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	temp := float32(0.2)
	maxTokens := 64
	client := NewOpenAIStreamClientWith(srv.URL, "k", "m")
	body, err := client.OpenStream(context.Background(),
		datatypes.BuildTextOnlyMessages("s", "q"),
		GenerationParams{Temperature: &temp, MaxTokens: &maxTokens})
	require.NoError(t, err)
	body.Close()

	assert.InDelta(t, 0.2, captured["temperature"].(float64), 0.001)
	assert.EqualValues(t, 64, captured["max_tokens"])
}
