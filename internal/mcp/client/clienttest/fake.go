// Package clienttest provides an in-memory diagnostic provider for tests.
package clienttest

import (
	"context"
	"sync"

	"github.com/kubilitics/kubilitics-incident/internal/mcp/client"
)

// Call records one CallTool request.
type Call struct {
	Tool           string
	Arguments      map[string]any
	IdempotencyKey string
}

// Provider is a scripted client.Client.
type Provider struct {
	ProviderName string
	Tools        []client.Tool
	// Handle answers tool calls. When nil every call returns "ok".
	Handle func(ctx context.Context, call Call) (*client.ToolOutput, error)
	// ListErr fails catalog discovery when set.
	ListErr error

	mu    sync.Mutex
	calls []Call
	lists int
}

// New creates a provider offering tools with the given names.
func New(name string, tools ...string) *Provider {
	p := &Provider{ProviderName: name}
	for _, t := range tools {
		p.Tools = append(p.Tools, client.Tool{Name: t, InputSchema: map[string]any{"type": "object"}})
	}
	return p
}

// Text is a convenience successful output.
func Text(s string) *client.ToolOutput {
	return &client.ToolOutput{Content: []client.Content{{Type: "text", Text: s}}}
}

func (p *Provider) Name() string { return p.ProviderName }

func (p *Provider) ListTools(_ context.Context) ([]client.Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists++
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return append([]client.Tool(nil), p.Tools...), nil
}

func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any, key string) (*client.ToolOutput, error) {
	call := Call{Tool: name, Arguments: args, IdempotencyKey: key}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	handle := p.Handle
	p.mu.Unlock()
	if handle == nil {
		return Text("ok"), nil
	}
	return handle(ctx, call)
}

// Calls returns every recorded tool call.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Lists returns how many times the catalog was requested.
func (p *Provider) Lists() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lists
}
