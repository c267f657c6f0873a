package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"magpie-ai/internal/domain"
	"magpie-ai/internal/plugin/wasm"
)

// Caller is the slice of the isolation boundary the capability proxies
// need. *wasm.Boundary satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error)
}

var defaultToolParams = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string"}}}`)

// boundaryTool exposes a guest-registered tool to the host. Execution is
// forwarded across the boundary as a correlated call.
type boundaryTool struct {
	spec   wasm.ToolSpec
	caller Caller
}

func (t *boundaryTool) Name() string        { return t.spec.Name }
func (t *boundaryTool) Description() string { return t.spec.Description }

func (t *boundaryTool) Schema() domain.ToolSchema {
	params := t.spec.Parameters
	if len(params) == 0 {
		params = defaultToolParams
	}
	return domain.ToolSchema{
		Name:        t.spec.Name,
		Description: t.spec.Description,
		Parameters:  params,
	}
}

func (t *boundaryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	raw, err := t.caller.Call(ctx, "tool:"+t.spec.Name, params)
	if err != nil {
		return nil, err
	}

	var result domain.ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// Guests may reply with bare content instead of a result object.
		return &domain.ToolResult{Content: string(raw)}, nil
	}
	return &result, nil
}

// boundaryCommand exposes a guest-registered command.
type boundaryCommand struct {
	spec   wasm.CommandSpec
	caller Caller
}

func (c *boundaryCommand) Name() string        { return c.spec.Name }
func (c *boundaryCommand) Description() string { return c.spec.Description }

func (c *boundaryCommand) Run(ctx context.Context, args []string) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return domain.WrapOp("marshal command args", err)
	}
	_, err = c.caller.Call(ctx, "command:"+c.spec.Name, payload)
	return err
}

// boundaryProvider exposes a guest-registered provider. It forwards every
// provider method across the boundary, so the per-type method contract is
// satisfied for whatever type the guest declared.
type boundaryProvider struct {
	spec   wasm.ProviderSpec
	caller Caller
}

func (p *boundaryProvider) ID() string                { return p.spec.ID }
func (p *boundaryProvider) Type() domain.ProviderType { return domain.ProviderType(p.spec.Type) }
func (p *boundaryProvider) Priority() int             { return p.spec.Priority }

func (p *boundaryProvider) Initialize(ctx context.Context) error {
	_, err := p.caller.Call(ctx, p.method("initialize"), nil)
	return err
}

func (p *boundaryProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	args, err := json.Marshal(req)
	if err != nil {
		return nil, domain.WrapOp("marshal chat request", err)
	}
	raw, err := p.caller.Call(ctx, p.method("chat"), args)
	if err != nil {
		return nil, err
	}
	var resp domain.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.WrapOp("decode chat response", err)
	}
	return &resp, nil
}

func (p *boundaryProvider) Complete(ctx context.Context, prompt string) (string, error) {
	args, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", domain.WrapOp("marshal completion request", err)
	}
	raw, err := p.caller.Call(ctx, p.method("complete"), args)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw), nil
	}
	return out, nil
}

func (p *boundaryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args, err := json.Marshal(texts)
	if err != nil {
		return nil, domain.WrapOp("marshal embed request", err)
	}
	raw, err := p.caller.Call(ctx, p.method("embed"), args)
	if err != nil {
		return nil, err
	}
	var vectors [][]float32
	if err := json.Unmarshal(raw, &vectors); err != nil {
		return nil, domain.WrapOp("decode embed response", err)
	}
	return vectors, nil
}

func (p *boundaryProvider) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	args, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, domain.WrapOp("marshal search request", err)
	}
	raw, err := p.caller.Call(ctx, p.method("search"), args)
	if err != nil {
		return nil, err
	}
	var results []domain.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, domain.WrapOp("decode search response", err)
	}
	return results, nil
}

func (p *boundaryProvider) method(op string) string {
	return fmt.Sprintf("provider:%s:%s", p.spec.ID, op)
}
