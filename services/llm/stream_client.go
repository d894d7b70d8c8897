package llm

import (
	"context"
	"io"

	"github.com/kettleglass/kettle/services/ask/datatypes"
)

// GenerationParams tunes a single provider call. Nil fields fall back to
// client defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// StreamingClient opens a raw SSE stream against a chat-completion
// provider. The caller owns decoding and must close the returned body.
type StreamingClient interface {
	// OpenStream sends the chat-completion request and returns the
	// undecoded SSE response body. Cancelling ctx aborts both the request
	// and any in-progress body reads.
	OpenStream(ctx context.Context, messages []datatypes.Message, params GenerationParams) (io.ReadCloser, error)

	// Model returns the configured model identifier, for logging and
	// metrics labels.
	Model() string
}
