package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openaisdk "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-incident/internal/agent"
	"github.com/kubilitics/kubilitics-incident/internal/models"
)

type fakeChat struct {
	mu       sync.Mutex
	requests []openaisdk.ChatCompletionRequest
	reply    openaisdk.ChatCompletionMessage
	status   int
}

func (f *fakeChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req openaisdk.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply, status := f.reply, f.status
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(openaisdk.ChatCompletionResponse{
		ID:      "chatcmpl-1",
		Object:  "chat.completion",
		Model:   "test-model",
		Choices: []openaisdk.ChatCompletionChoice{{Index: 0, Message: reply, FinishReason: openaisdk.FinishReasonStop}},
		Usage:   openaisdk.Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
	})
}

func (f *fakeChat) last() openaisdk.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newBackend(t *testing.T, chat *fakeChat) *Backend {
	t.Helper()
	srv := httptest.NewServer(chat)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/v1", APIKey: "test", Model: "test-model", Timeout: 5 * time.Second}, nil)
}

func catalog() []models.ToolSpec {
	return []models.ToolSpec{
		{Provider: "kubernetes", Name: "get_pod_logs", Description: "Fetch pod logs",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"namespace": map[string]any{"type": "string"}, "pod": map[string]any{"type": "string"}},
				"required":   []any{"namespace", "pod"},
			}},
		{Provider: "prometheus", Name: "query.range", Description: "Range query"},
	}
}

func stepInput() agent.StepInput {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return agent.StepInput{
		Incident: &models.Incident{
			Fingerprint: "f1a2b3c4",
			Name:        "PodCrashLooping",
			Status:      models.StatusFiring,
			Labels:      map[string]string{"namespace": "payments", "pod": "api-7f9c"},
			StartsAt:    start,
		},
		Prompt:        "Pod api-7f9c is crash looping.",
		Catalog:       catalog(),
		MaxIterations: 12,
		History: []models.ToolCall{{
			Seq: 0, ProviderID: "kubernetes", ToolName: "get_pod_logs",
			Arguments: map[string]any{"namespace": "payments", "pod": "api-7f9c"},
			Result:    models.ToolResult{Output: "panic: DATABASE_URL not set"},
		}},
		Iteration: 1,
	}
}

func TestStepMapsToolCall(t *testing.T) {
	chat := &fakeChat{reply: openaisdk.ChatCompletionMessage{
		Role: openaisdk.ChatMessageRoleAssistant,
		ToolCalls: []openaisdk.ToolCall{{
			ID:   "call_x",
			Type: openaisdk.ToolTypeFunction,
			Function: openaisdk.FunctionCall{
				Name:      "kubernetes__get_pod_logs",
				Arguments: `{"namespace":"payments","pod":"api-7f9c"}`,
			},
		}},
	}}
	b := newBackend(t, chat)

	dec, err := b.Step(context.Background(), stepInput())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCallTool, dec.Kind)
	require.NotNil(t, dec.Call)
	assert.Equal(t, "kubernetes", dec.Call.Provider)
	assert.Equal(t, "get_pod_logs", dec.Call.Tool)
	assert.Equal(t, "payments", dec.Call.Arguments["namespace"])

	req := chat.last()
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Tools, 2)
	assert.Equal(t, "kubernetes__get_pod_logs", req.Tools[0].Function.Name)
	assert.Equal(t, "prometheus__query_range", req.Tools[1].Function.Name)
}

func TestStepMapsSanitizedFunctionName(t *testing.T) {
	chat := &fakeChat{reply: openaisdk.ChatCompletionMessage{
		Role: openaisdk.ChatMessageRoleAssistant,
		ToolCalls: []openaisdk.ToolCall{{
			ID: "c", Type: openaisdk.ToolTypeFunction,
			Function: openaisdk.FunctionCall{Name: "prometheus__query_range", Arguments: `{}`},
		}},
	}}
	dec, err := newBackend(t, chat).Step(context.Background(), stepInput())
	require.NoError(t, err)
	assert.Equal(t, "query.range", dec.Call.Tool)
	assert.Equal(t, "prometheus", dec.Call.Provider)
}

func TestStepParsesConclusion(t *testing.T) {
	chat := &fakeChat{reply: openaisdk.ChatCompletionMessage{
		Role: openaisdk.ChatMessageRoleAssistant,
		Content: "Here is my analysis.\n```json\n" +
			`{"summary":"Missing secret","root_cause":"payments-db secret deleted","confidence":"High",` +
			`"evidence":[{"index":0,"tool":"get_pod_logs","note":"DATABASE_URL not set"}],` +
			`"recommendations":["Restore the secret"]}` + "\n```",
	}}
	dec, err := newBackend(t, chat).Step(context.Background(), stepInput())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionConclude, dec.Kind)
	require.NotNil(t, dec.Report)
	assert.Equal(t, "Missing secret", dec.Report.Summary)
	assert.Equal(t, models.ConfidenceHigh, dec.Report.Confidence)
	require.Len(t, dec.Report.Evidence, 1)
	assert.Equal(t, "get_pod_logs", dec.Report.Evidence[0].ToolName)
}

func TestStepPlainTextConclusionIsLowConfidence(t *testing.T) {
	chat := &fakeChat{reply: openaisdk.ChatCompletionMessage{
		Role: openaisdk.ChatMessageRoleAssistant, Content: "The pod is missing its database secret.",
	}}
	dec, err := newBackend(t, chat).Step(context.Background(), stepInput())
	require.NoError(t, err)
	assert.Equal(t, models.ConfidenceLow, dec.Report.Confidence)
	assert.Equal(t, "The pod is missing its database secret.", dec.Report.Summary)
}

func TestStepMalformedArguments(t *testing.T) {
	chat := &fakeChat{reply: openaisdk.ChatCompletionMessage{
		Role: openaisdk.ChatMessageRoleAssistant,
		ToolCalls: []openaisdk.ToolCall{{
			ID: "c", Type: openaisdk.ToolTypeFunction,
			Function: openaisdk.FunctionCall{Name: "kubernetes__get_pod_logs", Arguments: `not json`},
		}},
	}}
	_, err := newBackend(t, chat).Step(context.Background(), stepInput())
	assert.ErrorIs(t, err, models.ErrMalformedDecision)
}

func TestStepBackendUnavailable(t *testing.T) {
	chat := &fakeChat{status: http.StatusServiceUnavailable}
	_, err := newBackend(t, chat).Step(context.Background(), stepInput())
	assert.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestBuildMessagesReplaysHistory(t *testing.T) {
	in := stepInput()
	in.Resolved = true
	in.Signals = []models.Signal{{Seq: 1, Kind: models.SignalResolved, Status: models.StatusResolved,
		ReceivedAt: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)}}
	in.Feedback = "tool \"nope\" is not in the catalog"
	_, names := toolDefinitions(in.Catalog)

	msgs := BuildMessages(in, names)
	require.Len(t, msgs, 6)
	assert.Equal(t, openaisdk.ChatMessageRoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "at most 11 more tool calls")
	assert.Contains(t, msgs[0].Content, "resolved on its own")
	assert.Contains(t, msgs[1].Content, "Pod api-7f9c is crash looping.")
	assert.Contains(t, msgs[1].Content, "label namespace=payments")

	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "call_0", msgs[2].ToolCalls[0].ID)
	assert.Equal(t, "kubernetes__get_pod_logs", msgs[2].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"namespace":"payments","pod":"api-7f9c"}`, msgs[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, openaisdk.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, "call_0", msgs[3].ToolCallID)
	assert.Equal(t, "panic: DATABASE_URL not set", msgs[3].Content)

	assert.Contains(t, msgs[4].Content, "now resolved")
	assert.Contains(t, msgs[5].Content, "rejected")

	assert.Equal(t, msgs, BuildMessages(in, names))
}

func TestToolContentForErrors(t *testing.T) {
	got := toolContent(models.ToolResult{Error: &models.ToolError{Kind: models.ToolErrTimeout, Message: "deadline"}})
	assert.Equal(t, "error (timeout): deadline", got)
}

func TestExtractJSONBlock(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"prefix ```json\n{\"a\":1}\n``` suffix", `{"a":1}`, true},
		{"text {\"a\":{\"b\":2}} more", `{"a":{"b":2}}`, true},
		{"no json here", "", false},
	}
	for _, tt := range tests {
		got, ok := extractJSONBlock(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFunctionName(t *testing.T) {
	assert.Equal(t, "k8s__pods_list", functionName("k8s__pods.list"))
	long := functionName("provider__" + string(make([]byte, 100)))
	assert.Len(t, long, maxFunctionName)
}
