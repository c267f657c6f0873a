// Package pluginsdk provides the building blocks for trusted in-process
// magpie-ai plugins.
//
// On-disk plugin code runs inside the wasm isolation boundary and never
// touches this package; see pkg/pluginsdk/wasm for the guest-side ABI.
// In-process plugins are compiled into the host binary, registered through
// Manager.RegisterInProcessFactory, and activate only when the host enables
// the unsafe mode in its config.
//
// Example:
//
//	type weather struct{ pluginsdk.Base }
//
//	func (w *weather) Activate(pctx pluginsdk.Context) error {
//	    return pctx.RegisterTool(pluginsdk.NewTool(
//	        "weather.current", "Current weather for a city", nil,
//	        func(ctx context.Context, params json.RawMessage) (*pluginsdk.ToolResult, error) {
//	            return &pluginsdk.ToolResult{Content: "sunny"}, nil
//	        },
//	    ))
//	}
package pluginsdk

import (
	"context"
	"encoding/json"

	"magpie-ai/internal/domain"
)

// Re-exported host types so plugin authors depend on one package.
type (
	Context      = domain.PluginContext
	Plugin       = domain.InProcessPlugin
	Factory      = domain.InProcessFactory
	Tool         = domain.Tool
	ToolSchema   = domain.ToolSchema
	ToolResult   = domain.ToolResult
	Command      = domain.Command
	Provider     = domain.Provider
	ProviderType = domain.ProviderType
	SearchResult = domain.SearchResult
)

const (
	ProviderLLM       = domain.ProviderLLM
	ProviderEmbedding = domain.ProviderEmbedding
	ProviderSearch    = domain.ProviderSearch
)

// Base is a no-op Plugin implementation to embed; override what you need.
type Base struct{}

func (Base) Activate(Context) error { return nil }
func (Base) Deactivate() error      { return nil }

// ToolFunc is the execution body of a tool built with NewTool.
type ToolFunc func(ctx context.Context, params json.RawMessage) (*ToolResult, error)

type funcTool struct {
	name        string
	description string
	parameters  json.RawMessage
	fn          ToolFunc
}

// NewTool wraps a function as a registerable Tool. A nil parameters schema
// defaults to a single free-form string input.
func NewTool(name, description string, parameters json.RawMessage, fn ToolFunc) Tool {
	return &funcTool{name: name, description: description, parameters: parameters, fn: fn}
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.description }

func (t *funcTool) Schema() ToolSchema {
	params := t.parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string"}}}`)
	}
	return ToolSchema{Name: t.name, Description: t.description, Parameters: params}
}

func (t *funcTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return t.fn(ctx, params)
}

// CommandFunc is the execution body of a command built with NewCommand.
type CommandFunc func(ctx context.Context, args []string) error

type funcCommand struct {
	name        string
	description string
	fn          CommandFunc
}

// NewCommand wraps a function as a registerable Command.
func NewCommand(name, description string, fn CommandFunc) Command {
	return &funcCommand{name: name, description: description, fn: fn}
}

func (c *funcCommand) Name() string                                 { return c.name }
func (c *funcCommand) Description() string                          { return c.description }
func (c *funcCommand) Run(ctx context.Context, args []string) error { return c.fn(ctx, args) }

// BaseProvider carries the identity fields of a provider; embed it and
// implement the methods your declared type requires.
type BaseProvider struct {
	ProviderID       string
	ProviderKind     ProviderType
	ProviderPriority int
}

func (p BaseProvider) ID() string                       { return p.ProviderID }
func (p BaseProvider) Type() ProviderType               { return p.ProviderKind }
func (p BaseProvider) Priority() int                    { return p.ProviderPriority }
func (p BaseProvider) Initialize(context.Context) error { return nil }
