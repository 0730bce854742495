// Package client talks to read-only diagnostic providers over MCP, using
// the streamable HTTP or legacy SSE transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// Client is one diagnostic provider.
type Client interface {
	Name() string
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, idempotencyKey string) (*ToolOutput, error)
}

// Tool is a provider catalog entry as declared by tools/list.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema map[string]any   `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are the behavioural hints a provider attaches to a tool.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Mutating reports whether the provider flags the tool as able to change
// infrastructure.
func (t Tool) Mutating() bool {
	if t.Annotations == nil {
		return false
	}
	if t.Annotations.ReadOnlyHint != nil && !*t.Annotations.ReadOnlyHint {
		return true
	}
	return t.Annotations.DestructiveHint != nil && *t.Annotations.DestructiveHint
}

// Content is one block of a tools/call result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ToolOutput is the result of tools/call.
type ToolOutput struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// Text flattens the content blocks into a single payload.
func (o *ToolOutput) Text() string {
	if o == nil {
		return ""
	}
	parts := make([]string, 0, len(o.Content))
	for _, c := range o.Content {
		switch c.Type {
		case "text", "":
			parts = append(parts, c.Text)
		case "resource", "resource_link":
			if c.Text != "" {
				parts = append(parts, c.Text)
				continue
			}
			parts = append(parts, fmt.Sprintf("[%s content, %s, %d bytes]", c.Type, c.MimeType, len(c.Data)))
		default:
			parts = append(parts, fmt.Sprintf("[%s content, %s, %d bytes]", c.Type, c.MimeType, len(c.Data)))
		}
	}
	return strings.Join(parts, "\n")
}

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is a JSON-RPC error object returned by a provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx response from a provider endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *HTTPError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}

// IsTransient reports whether err is a provider failure that may succeed
// on retry.
func IsTransient(err error) bool {
	return errors.Is(err, models.ErrTransientProvider)
}
