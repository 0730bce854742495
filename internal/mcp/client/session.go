package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/models"
)

const headerIdempotencyKey = "Idempotency-Key"

// Transport kinds accepted in provider configuration.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// sharedTransport is pooled across every provider so concurrent runs do not
// exhaust file descriptors.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 20,
	IdleConnTimeout:     90 * time.Second,
}

// implementation identifies this client during the MCP handshake.
var implementation = &mcp.Implementation{Name: "kubilitics-incident", Version: "0.1.0"}

type callInfoKey struct{}

// callInfo travels in the request context of one MCP operation so the HTTP
// layer can attach the idempotency key and report the response status.
type callInfo struct {
	idempotencyKey string
	status         atomic.Int32
}

func withCallInfo(ctx context.Context, info *callInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// statusTransport decorates provider requests with the call's idempotency
// key and records non-2xx statuses.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	info, _ := req.Context().Value(callInfoKey{}).(*callInfo)
	if info != nil && info.idempotencyKey != "" && req.Method == http.MethodPost {
		req = req.Clone(req.Context())
		req.Header.Set(headerIdempotencyKey, info.idempotencyKey)
	}
	resp, err := t.base.RoundTrip(req)
	if err == nil && info != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		info.status.Store(int32(resp.StatusCode))
	}
	return resp, err
}

// SessionClient is an MCP client built on the official Go SDK. One session
// per provider is opened lazily and re-established after transport failures.
type SessionClient struct {
	name       string
	endpoint   string
	transport  string
	timeout    time.Duration
	httpClient *http.Client
	client     *mcp.Client
	logger     *zap.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
	stop    context.CancelFunc
}

// Option configures a SessionClient.
type Option func(*SessionClient)

// WithTimeout bounds the initialize handshake.
func WithTimeout(d time.Duration) Option {
	return func(c *SessionClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *SessionClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTransport selects streamable HTTP (the default) or legacy SSE.
func WithTransport(kind string) Option {
	return func(c *SessionClient) {
		if kind != "" {
			c.transport = kind
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. It must not set a
// client-wide timeout: server streams stay open for the session lifetime.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *SessionClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client for the provider endpoint.
func New(name, endpoint string, opts ...Option) *SessionClient {
	c := &SessionClient{
		name:       name,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		transport:  TransportStreamableHTTP,
		timeout:    30 * time.Second,
		httpClient: &http.Client{Transport: sharedTransport},
		client:     mcp.NewClient(implementation, nil),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *c.httpClient
	hc.Transport = &statusTransport{base: base}
	c.httpClient = &hc
	c.logger = c.logger.Named("mcp").With(zap.String("provider", name), zap.String("transport", c.transport))
	return c
}

// Name returns the provider name.
func (c *SessionClient) Name() string { return c.name }

// ListTools returns the provider catalog, following pagination cursors.
func (c *SessionClient) ListTools(ctx context.Context) ([]Tool, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	var (
		tools  []Tool
		cursor string
	)
	for page := 0; page < 100; page++ {
		info := &callInfo{}
		res, err := sess.ListTools(withCallInfo(ctx, info), &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, c.classify(ctx, sess, info, "tools/list", err)
		}
		for _, t := range res.Tools {
			tools = append(tools, convertTool(t))
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

// CallTool invokes a tool. The idempotency key travels both as a header and
// in the request metadata so providers that deduplicate by key can collapse
// repeated calls.
func (c *SessionClient) CallTool(ctx context.Context, name string, args map[string]any, idempotencyKey string) (*ToolOutput, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	params := &mcp.CallToolParams{Name: name, Arguments: args}
	if idempotencyKey != "" {
		params.Meta = mcp.Meta{"idempotencyKey": idempotencyKey}
	}
	info := &callInfo{idempotencyKey: idempotencyKey}
	res, err := sess.CallTool(withCallInfo(ctx, info), params)
	if err != nil {
		return nil, c.classify(ctx, sess, info, "tools/call "+name, err)
	}
	return convertResult(res), nil
}

// Close ends the current session, if any.
func (c *SessionClient) Close() error {
	c.mu.Lock()
	sess, stop := c.session, c.stop
	c.session, c.stop = nil, nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := sess.Close()
	stop()
	return err
}

func (c *SessionClient) ensureSession(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	// The session outlives the caller's context; only the handshake is
	// bounded by it.
	info := &callInfo{}
	sessCtx, stop := context.WithCancel(withCallInfo(context.WithoutCancel(ctx), info))
	connectCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	release := context.AfterFunc(connectCtx, stop)

	sess, err := c.client.Connect(sessCtx, c.newTransport(), nil)
	interrupted := !release()
	if err == nil && interrupted {
		_ = sess.Close()
		err = connectCtx.Err()
	}
	if err != nil {
		stop()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: initialize: %w", c.name, ctx.Err())
		}
		return nil, fmt.Errorf("%s: initialize: %w", c.name, c.transportError(info, err))
	}
	c.session, c.stop = sess, stop
	c.logger.Debug("MCP session initialized",
		zap.String("session_id", sess.ID()),
		zap.String("protocol_version", sess.InitializeResult().ProtocolVersion),
	)
	return sess, nil
}

func (c *SessionClient) newTransport() mcp.Transport {
	if c.transport == TransportSSE {
		return &mcp.SSEClientTransport{Endpoint: c.endpoint, HTTPClient: c.httpClient}
	}
	return &mcp.StreamableClientTransport{Endpoint: c.endpoint, HTTPClient: c.httpClient, MaxRetries: -1}
}

// resetSession drops sess so the next call re-initializes.
func (c *SessionClient) resetSession(sess *mcp.ClientSession) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	c.session, c.stop = nil, nil
	c.mu.Unlock()

	c.logger.Debug("MCP session reset")
	go func() {
		_ = sess.Close()
		stop()
	}()
}

// classify maps an SDK error onto the provider error taxonomy: protocol
// errors pass through as *RPCError, context errors are kept, and every other
// failure breaks the session.
func (c *SessionClient) classify(ctx context.Context, sess *mcp.ClientSession, info *callInfo, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %s: %w", c.name, op, ctx.Err())
	}
	if rpcErr := asRPCError(err); rpcErr != nil {
		return fmt.Errorf("%s: %s: %w", c.name, op, rpcErr)
	}
	c.resetSession(sess)
	return fmt.Errorf("%s: %s: %w", c.name, op, c.transportError(info, err))
}

func (c *SessionClient) transportError(info *callInfo, err error) error {
	switch status := int(info.status.Load()); {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: session expired: %v", models.ErrTransientProvider, err)
	case status != 0:
		herr := &HTTPError{StatusCode: status, Body: http.StatusText(status)}
		if herr.Transient() {
			return fmt.Errorf("%w: %w", models.ErrTransientProvider, herr)
		}
		return herr
	default:
		return fmt.Errorf("%w: %v", models.ErrTransientProvider, err)
	}
}

// asRPCError finds a JSON-RPC error object in err's chain. The SDK keeps its
// wire error type internal, but it still encodes as {"code","message"}.
func asRPCError(err error) *RPCError {
	for e := err; e != nil; e = errors.Unwrap(e) {
		b, mErr := json.Marshal(e)
		if mErr != nil {
			continue
		}
		var rpcErr RPCError
		if json.Unmarshal(b, &rpcErr) == nil && rpcErr.Code != 0 {
			return &rpcErr
		}
	}
	return nil
}

func convertTool(t *mcp.Tool) Tool {
	out := Tool{Name: t.Name, Description: t.Description}
	switch schema := t.InputSchema.(type) {
	case map[string]any:
		out.InputSchema = schema
	case nil:
	default:
		if b, err := json.Marshal(schema); err == nil {
			_ = json.Unmarshal(b, &out.InputSchema)
		}
	}
	if a := t.Annotations; a != nil {
		out.Annotations = &ToolAnnotations{
			Title:           a.Title,
			DestructiveHint: a.DestructiveHint,
			OpenWorldHint:   a.OpenWorldHint,
		}
		// An explicit readOnlyHint=false decodes the same as an absent hint.
		if a.ReadOnlyHint {
			out.Annotations.ReadOnlyHint = ptr(true)
		}
		if a.IdempotentHint {
			out.Annotations.IdempotentHint = ptr(true)
		}
	}
	return out
}

func convertResult(res *mcp.CallToolResult) *ToolOutput {
	out := &ToolOutput{StructuredContent: res.StructuredContent, IsError: res.IsError}
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcp.TextContent:
			out.Content = append(out.Content, Content{Type: "text", Text: v.Text})
		case *mcp.ImageContent:
			out.Content = append(out.Content, Content{Type: "image", MimeType: v.MIMEType,
				Data: base64.StdEncoding.EncodeToString(v.Data)})
		case *mcp.AudioContent:
			out.Content = append(out.Content, Content{Type: "audio", MimeType: v.MIMEType,
				Data: base64.StdEncoding.EncodeToString(v.Data)})
		case *mcp.ResourceLink:
			out.Content = append(out.Content, Content{Type: "resource_link", Text: v.URI, MimeType: v.MIMEType})
		case *mcp.EmbeddedResource:
			if v.Resource == nil {
				continue
			}
			out.Content = append(out.Content, Content{Type: "resource", Text: v.Resource.Text,
				MimeType: v.Resource.MIMEType, Data: base64.StdEncoding.EncodeToString(v.Resource.Blob)})
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
