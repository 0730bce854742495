package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

// providerRecorder wraps an MCP handler, recording JSON-RPC methods and
// idempotency headers and failing tools/call with a fixed status on demand.
type providerRecorder struct {
	next http.Handler

	mu      sync.Mutex
	methods []string
	keys    []string
	metaKey []string
	status  int
}

func (p *providerRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		p.next.ServeHTTP(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	var msg struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(body, &msg)

	p.mu.Lock()
	if msg.Method != "" {
		p.methods = append(p.methods, msg.Method)
	}
	if msg.Method == "tools/call" {
		p.keys = append(p.keys, r.Header.Get(headerIdempotencyKey))
	}
	status := p.status
	p.mu.Unlock()

	if status != 0 && msg.Method == "tools/call" {
		http.Error(w, "upstream unavailable", status)
		return
	}
	p.next.ServeHTTP(w, r)
}

func (p *providerRecorder) setStatus(status int) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *providerRecorder) count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.methods {
		if m == method {
			n++
		}
	}
	return n
}

func newProvider(t *testing.T, transport string) (*httptest.Server, *providerRecorder) {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "kubernetes-mcp", Version: "1.0.0"}, &mcp.ServerOptions{PageSize: 1})
	rec := &providerRecorder{}

	server.AddTool(&mcp.Tool{
		Name:        "get_pod_logs",
		Description: "Fetch container logs",
		InputSchema: map[string]any{"type": "object"},
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if key, ok := req.Params.Meta["idempotencyKey"].(string); ok {
			rec.mu.Lock()
			rec.metaKey = append(rec.metaKey, key)
			rec.mu.Unlock()
		}
		return &mcp.CallToolResult{Content: []mcp.Content{
			&mcp.TextContent{Text: "Back-off restarting failed container"},
		}}, nil
	})
	server.AddTool(&mcp.Tool{
		Name:        "delete_pod",
		InputSchema: map[string]any{"type": "object"},
		Annotations: &mcp.ToolAnnotations{DestructiveHint: ptr(true)},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{}, nil
	})

	getServer := func(*http.Request) *mcp.Server { return server }
	var handler http.Handler = mcp.NewStreamableHTTPHandler(getServer, nil)
	if transport == TransportSSE {
		handler = mcp.NewSSEHandler(getServer, nil)
	}
	rec.next = handler
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestListToolsFollowsCursor(t *testing.T) {
	srv, rec := newProvider(t, TransportStreamableHTTP)
	c := New("kubernetes", srv.URL)
	defer c.Close()

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	byName := map[string]Tool{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	assert.False(t, byName["get_pod_logs"].Mutating())
	assert.Equal(t, "object", byName["get_pod_logs"].InputSchema["type"])
	assert.True(t, byName["delete_pod"].Mutating())

	assert.Equal(t, 1, rec.count("initialize"))
	assert.Equal(t, 2, rec.count("tools/list"))
}

func TestCallToolSendsIdempotencyKey(t *testing.T) {
	for _, transport := range []string{TransportStreamableHTTP, TransportSSE} {
		t.Run(transport, func(t *testing.T) {
			srv, rec := newProvider(t, transport)
			c := New("kubernetes", srv.URL, WithTransport(transport))
			defer c.Close()

			out, err := c.CallTool(context.Background(), "get_pod_logs", map[string]any{"namespace": "payments"}, "key-123")
			require.NoError(t, err)
			assert.False(t, out.IsError)
			assert.Equal(t, "Back-off restarting failed container", out.Text())

			rec.mu.Lock()
			defer rec.mu.Unlock()
			assert.Equal(t, []string{"key-123"}, rec.keys)
			assert.Equal(t, []string{"key-123"}, rec.metaKey)
		})
	}
}

func TestCallToolErrorClassification(t *testing.T) {
	srv, rec := newProvider(t, TransportStreamableHTTP)
	c := New("kubernetes", srv.URL)
	defer c.Close()
	ctx := context.Background()

	_, err := c.CallTool(ctx, "missing", nil, "")
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	assert.False(t, IsTransient(err))

	rec.setStatus(http.StatusBadGateway)
	_, err = c.CallTool(ctx, "get_pod_logs", nil, "")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, models.ErrTransientProvider)

	rec.setStatus(http.StatusForbidden)
	_, err = c.CallTool(ctx, "get_pod_logs", nil, "")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestTransportFailureReestablishesSession(t *testing.T) {
	srv, rec := newProvider(t, TransportStreamableHTTP)
	c := New("kubernetes", srv.URL)
	defer c.Close()
	ctx := context.Background()

	_, err := c.CallTool(ctx, "get_pod_logs", nil, "")
	require.NoError(t, err)

	rec.setStatus(http.StatusServiceUnavailable)
	_, err = c.CallTool(ctx, "get_pod_logs", nil, "")
	require.True(t, IsTransient(err))

	rec.setStatus(0)
	out, err := c.CallTool(ctx, "get_pod_logs", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Back-off restarting failed container", out.Text())
	assert.Equal(t, 2, rec.count("initialize"))
}

func TestUnreachableProviderIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New("prometheus", url)
	_, err := c.ListTools(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCancelledCallIsNotTransient(t *testing.T) {
	srv, _ := newProvider(t, TransportStreamableHTTP)
	c := New("kubernetes", srv.URL)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CallTool(ctx, "get_pod_logs", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestConvertResult(t *testing.T) {
	out := convertResult(&mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: "pods \"x-0\" not found"},
			&mcp.EmbeddedResource{Resource: &mcp.ResourceContents{URI: "k8s://payments/x-0", MIMEType: "text/plain", Text: "status: Pending"}},
			&mcp.ImageContent{MIMEType: "image/png", Data: []byte("hello")},
		},
	})
	assert.True(t, out.IsError)
	require.Len(t, out.Content, 3)
	assert.Equal(t, "aGVsbG8=", out.Content[2].Data)
	assert.Equal(t, "pods \"x-0\" not found\nstatus: Pending\n[image content, image/png, 8 bytes]", out.Text())
}

func TestToolOutputText(t *testing.T) {
	out := &ToolOutput{Content: []Content{
		{Type: "text", Text: "line one"},
		{Type: "image", MimeType: "image/png", Data: "aGVsbG8="},
	}}
	assert.Equal(t, "line one\n[image content, image/png, 8 bytes]", out.Text())
	assert.Equal(t, "", (*ToolOutput)(nil).Text())
}
