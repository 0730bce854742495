// Package openai implements the reasoning backend on any OpenAI-compatible
// chat completions endpoint using function calling.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaisdk "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-incident/internal/agent"
	"github.com/kubilitics/kubilitics-incident/internal/metrics"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

const (
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 2048
	DefaultTimeout   = 60 * time.Second

	maxFunctionName = 64
	maxToolOutput   = 16 * 1024
)

// Config configures the backend.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Backend asks a chat model for the next investigation step.
type Backend struct {
	client *openaisdk.Client
	cfg    Config
	logger *zap.Logger
}

var _ agent.Backend = (*Backend)(nil)

// New creates a backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	oc := openaisdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &Backend{
		client: openaisdk.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.Named("llm"),
	}
}

// Model returns the configured model name.
func (b *Backend) Model() string { return b.cfg.Model }

// Step sends the conversation rebuilt from the run state and maps the reply
// to a decision.
func (b *Backend) Step(ctx context.Context, in agent.StepInput) (models.Decision, error) {
	tools, names := toolDefinitions(in.Catalog)
	req := openaisdk.ChatCompletionRequest{
		Model:       b.cfg.Model,
		Messages:    BuildMessages(in, names),
		Tools:       tools,
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
		req.ParallelToolCalls = false
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Decision{}, ctx.Err()
		}
		return models.Decision{}, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	metrics.BackendTokens.WithLabelValues(b.cfg.Model, "input").Add(float64(resp.Usage.PromptTokens))
	metrics.BackendTokens.WithLabelValues(b.cfg.Model, "output").Add(float64(resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return models.Decision{}, fmt.Errorf("%w: model returned no choices", models.ErrMalformedDecision)
	}
	msg := resp.Choices[0].Message
	b.logger.Debug("reasoning step",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("tool_calls", len(msg.ToolCalls)),
		zap.Int("iteration", in.Iteration),
	)
	return decide(msg, names)
}

func decide(msg openaisdk.ChatCompletionMessage, names map[string]models.ToolSpec) (models.Decision, error) {
	if len(msg.ToolCalls) > 0 {
		fn := msg.ToolCalls[0].Function
		args := map[string]any{}
		if s := strings.TrimSpace(fn.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				return models.Decision{}, fmt.Errorf("%w: arguments for %s are not a JSON object: %v",
					models.ErrMalformedDecision, fn.Name, err)
			}
		}
		if spec, ok := names[fn.Name]; ok {
			return models.CallTool(spec.Provider, spec.Name, args), nil
		}
		provider, tool := splitQualified(fn.Name)
		return models.CallTool(provider, tool, args), nil
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return models.Decision{}, fmt.Errorf("%w: empty response", models.ErrMalformedDecision)
	}
	return models.Conclude(ParseReport(content)), nil
}

// ─── Conversation ─────────────────────────────────────────────────────────────

const systemPrompt = `You are an SRE investigating a production incident with read-only diagnostic tools.
Call one tool at a time. Every tool is read-only; never suggest that you changed anything.
When you have enough evidence, or when you are told to stop, reply without a tool call and
put a single JSON object in your reply:
{"summary": "...", "root_cause": "...", "confidence": "high|medium|low|inconclusive",
 "evidence": [{"index": <tool call number starting at 0>, "tool": "<tool>", "note": "..."}],
 "recommendations": ["..."]}`

// BuildMessages renders the run state as a chat transcript. The result is a
// pure function of its input so replays produce identical requests.
func BuildMessages(in agent.StepInput, names map[string]models.ToolSpec) []openaisdk.ChatCompletionMessage {
	reverse := make(map[string]string, len(names))
	for fn, spec := range names {
		reverse[spec.QualifiedName()] = fn
	}

	remaining := in.MaxIterations - in.Iteration
	system := systemPrompt + fmt.Sprintf("\n\nYou may make at most %d more tool calls.", remaining)
	if in.Resolved {
		system += "\nThe alert has resolved on its own. Wrap up quickly and conclude."
	}

	msgs := []openaisdk.ChatCompletionMessage{
		{Role: openaisdk.ChatMessageRoleSystem, Content: system},
		{Role: openaisdk.ChatMessageRoleUser, Content: incidentMessage(in)},
	}

	for i, call := range in.History {
		id := fmt.Sprintf("call_%d", i)
		args, _ := json.Marshal(call.Arguments)
		name := reverse[call.ProviderID+"__"+call.ToolName]
		if name == "" {
			name = functionName(call.ProviderID + "__" + call.ToolName)
		}
		msgs = append(msgs,
			openaisdk.ChatCompletionMessage{
				Role: openaisdk.ChatMessageRoleAssistant,
				ToolCalls: []openaisdk.ToolCall{{
					ID:       id,
					Type:     openaisdk.ToolTypeFunction,
					Function: openaisdk.FunctionCall{Name: name, Arguments: string(args)},
				}},
			},
			openaisdk.ChatCompletionMessage{
				Role:       openaisdk.ChatMessageRoleTool,
				ToolCallID: id,
				Content:    toolContent(call.Result),
			},
		)
	}

	for _, sig := range in.Signals {
		msgs = append(msgs, openaisdk.ChatCompletionMessage{
			Role:    openaisdk.ChatMessageRoleUser,
			Content: signalMessage(sig),
		})
	}
	if in.Feedback != "" {
		msgs = append(msgs, openaisdk.ChatCompletionMessage{
			Role:    openaisdk.ChatMessageRoleUser,
			Content: "Your previous reply was rejected: " + in.Feedback + ". Use a tool from the list with valid arguments, or conclude.",
		})
	}
	return msgs
}

func incidentMessage(in agent.StepInput) string {
	var b strings.Builder
	if in.Prompt != "" {
		b.WriteString(in.Prompt)
		b.WriteString("\n\n")
	}
	if inc := in.Incident; inc != nil {
		fmt.Fprintf(&b, "Alert: %s (%s)\nFingerprint: %s\nStarted: %s\n",
			inc.Name, inc.Status, inc.Fingerprint, inc.StartsAt.UTC().Format(time.RFC3339))
		for _, k := range sortedKeys(inc.Labels) {
			fmt.Fprintf(&b, "label %s=%s\n", k, inc.Labels[k])
		}
		for _, k := range sortedKeys(inc.Annotations) {
			fmt.Fprintf(&b, "annotation %s=%s\n", k, inc.Annotations[k])
		}
	}
	return strings.TrimSpace(b.String())
}

func signalMessage(sig models.Signal) string {
	at := sig.ReceivedAt.UTC().Format(time.RFC3339)
	if sig.Kind == models.SignalResolved {
		return fmt.Sprintf("Update at %s: the alert is now resolved.", at)
	}
	msg := fmt.Sprintf("Update at %s: the alert is still %s.", at, sig.Status)
	for _, k := range sortedKeys(sig.Annotations) {
		msg += fmt.Sprintf("\nannotation %s=%s", k, sig.Annotations[k])
	}
	return msg
}

func toolContent(r models.ToolResult) string {
	if r.Error != nil {
		return fmt.Sprintf("error (%s): %s", r.Error.Kind, r.Error.Message)
	}
	out := r.Output
	if len(out) > maxToolOutput {
		out = out[:maxToolOutput] + "\n[truncated]"
	}
	return out
}

// ─── Tools ────────────────────────────────────────────────────────────────────

// toolDefinitions offers the catalog as functions. names maps each function
// name back to its catalog entry.
func toolDefinitions(catalog []models.ToolSpec) ([]openaisdk.Tool, map[string]models.ToolSpec) {
	tools := make([]openaisdk.Tool, 0, len(catalog))
	names := make(map[string]models.ToolSpec, len(catalog))
	for _, spec := range catalog {
		name := functionName(spec.QualifiedName())
		if _, dup := names[name]; dup {
			continue
		}
		names[name] = spec
		params := spec.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openaisdk.Tool{
			Type: openaisdk.ToolTypeFunction,
			Function: &openaisdk.FunctionDefinition{
				Name:        name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools, names
}

// functionName maps a qualified tool name onto the function name alphabet
// [a-zA-Z0-9_-]{1,64}.
func functionName(qualified string) string {
	var b strings.Builder
	for _, r := range qualified {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > maxFunctionName {
		name = name[:maxFunctionName]
	}
	return name
}

func splitQualified(name string) (string, string) {
	if provider, tool, ok := strings.Cut(name, "__"); ok {
		return provider, tool
	}
	return "", name
}
