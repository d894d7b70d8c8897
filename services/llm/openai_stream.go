package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kettleglass/kettle/services/ask/datatypes"
)

var tracer = otel.Tracer("kettle.llm.openai")

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o-mini"

	// Streams can legitimately stay open for minutes while a long answer
	// is generated.
	streamTimeout = 5 * time.Minute

	apiKeySecretPath = "/run/secrets/openai_api_key"
)

// OpenAIStreamClient talks to any OpenAI-compatible chat-completion
// endpoint and returns the raw SSE body. It is deliberately not built on an
// SDK: the ask pipeline reads usage frames out of choices[0].delta.usage,
// which SDK stream wrappers do not expose.
type OpenAIStreamClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var _ StreamingClient = (*OpenAIStreamClient)(nil)

// NewOpenAIStreamClient builds a client from the environment.
//
// # Environment Variables
//
//   - KETTLE_LLM_API_KEY: provider API key (falls back to OPENAI_API_KEY,
//     then to the /run/secrets/openai_api_key file)
//   - KETTLE_LLM_MODEL: model identifier (default: gpt-4o-mini)
//   - KETTLE_LLM_BASE_URL: endpoint base (default: https://api.openai.com)
//
// Returns an error when no API key can be resolved; the server maps that to
// its model-not-configured failure.
func NewOpenAIStreamClient() (*OpenAIStreamClient, error) {
	apiKey := os.Getenv("KETTLE_LLM_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		if data, err := os.ReadFile(apiKeySecretPath); err == nil {
			apiKey = strings.TrimSpace(string(data))
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key found in KETTLE_LLM_API_KEY, OPENAI_API_KEY, or %s", apiKeySecretPath)
	}

	model := os.Getenv("KETTLE_LLM_MODEL")
	if model == "" {
		model = defaultModel
	}
	baseURL := os.Getenv("KETTLE_LLM_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &OpenAIStreamClient{
		httpClient: &http.Client{Timeout: streamTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// NewOpenAIStreamClientWith builds a client with explicit settings. Used by
// tests and by callers that manage their own configuration.
func NewOpenAIStreamClientWith(baseURL, apiKey, model string) *OpenAIStreamClient {
	return &OpenAIStreamClient{
		httpClient: &http.Client{Timeout: streamTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

// Model implements StreamingClient.
func (c *OpenAIStreamClient) Model() string { return c.model }

type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []datatypes.Message `json:"messages"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"top_p,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream"`
}

// OpenStream implements StreamingClient.
//
// Non-2xx responses are drained and returned as an error embedding the
// status code and the provider's body text, so the multimodal fallback
// classifier can see the provider's own words.
func (c *OpenAIStreamClient) OpenStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (io.ReadCloser, error) {

	ctx, span := tracer.Start(ctx, "llm.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.message_count", len(messages)),
	)

	payload := chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stop:        params.Stop,
		Stream:      true,
	}
	if payload.Temperature == nil {
		var defaultTemperature float32 = 0.7
		payload.Temperature = &defaultTemperature
	}
	if payload.MaxTokens == nil {
		defaultMaxTokens := 2048
		payload.MaxTokens = &defaultMaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		span.SetStatus(codes.Error, "marshal failed")
		return nil, fmt.Errorf("failed to marshal chat completion payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("provider request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		span.SetStatus(codes.Error, "provider error")
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return nil, fmt.Errorf("provider returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	return resp.Body, nil
}
