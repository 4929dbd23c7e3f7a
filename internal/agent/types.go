// Package agent implements the LLM driver: the completion provider
// abstraction, the tool loop, and retry with backup-model fallback.
package agent

import (
	"context"

	"github.com/warren-ai/warren/internal/tools"
	"github.com/warren-ai/warren/pkg/models"
)

// CompletionProvider is the interface to an LLM backend. Implementations
// must be safe for concurrent use; each Complete call owns an
// independent stream.
type CompletionProvider interface {
	// Complete sends one request and returns a channel of streamed
	// chunks. The channel closes when the stream ends; errors arrive as
	// chunks once streaming has begun.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider for logging.
	Name() string
}

// CompletionRequest carries everything one model call needs.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []models.Turn
	Tools     []tools.Schema
	MaxTokens int
}

// CompletionChunk is one streamed fragment of a model response. Text
// arrives incrementally; a ToolCall arrives whole once its input JSON
// has been fully accumulated. Done carries the final token counts.
type CompletionChunk struct {
	Text     string
	ToolCall *models.ToolCall

	Done         bool
	InputTokens  int
	OutputTokens int

	Error error
}

// completion is one fully accumulated model response.
type completion struct {
	text         string
	toolCalls    []models.ToolCall
	inputTokens  int
	outputTokens int
}
