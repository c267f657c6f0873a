package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Tool is a callable capability a plugin contributes.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// Command is a user-invokable command a plugin contributes.
type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, args []string) error
}

// ProviderType classifies a pluggable backend.
type ProviderType string

const (
	ProviderLLM       ProviderType = "llm"
	ProviderEmbedding ProviderType = "embedding"
	ProviderSearch    ProviderType = "search"
)

// Provider is a pluggable backend selectable by priority. Higher priority
// wins; ties preserve registration order.
type Provider interface {
	ID() string
	Type() ProviderType
	Priority() int
	// Initialize is called exactly once, before the provider is inserted
	// into the registry. A failure aborts registration.
	Initialize(ctx context.Context) error
}

// ChatRequest is a chat-completion request routed to an llm provider.
type ChatRequest struct {
	Model    string          `json:"model,omitempty"`
	Messages json.RawMessage `json:"messages"`
}

// ChatResponse is a chat-completion reply.
type ChatResponse struct {
	Content string `json:"content"`
}

// ChatProvider is the chat surface of an llm provider.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// CompletionProvider is the bare-prompt surface of an llm provider.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// EmbeddingProvider turns texts into vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SearchResult is one hit from a search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchProvider answers search queries.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}
