package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/creatorops/quotient/internal/llm"
	"github.com/creatorops/quotient/internal/prompts"
	"github.com/creatorops/quotient/internal/session"
	"github.com/creatorops/quotient/internal/tools"
)

// fakeLLM replays scripted responses and records the message slices it
// was called with.
type fakeLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	calls     [][]llm.Message
}

func (f *fakeLLM) Chat(_ context.Context, _ string, messages []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	f.calls = append(f.calls, snapshot)

	i := len(f.calls) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return textResponse("out of script"), nil
	}
	return f.responses[i], nil
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: content},
		Done:    true,
	}
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", ToolCalls: calls},
	}
}

func newToolCall(id, name string, args map[string]any) llm.ToolCall {
	tc := llm.ToolCall{ID: id}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

// testRegistry builds a registry with a single scripted tool.
func testRegistry(t *testing.T, name string, handler func(ctx context.Context, args map[string]any) (string, error)) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil, nil, nil, nil, nil)
	r.Register(&tools.Tool{
		Name:        name,
		Description: "test tool",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: handler,
	})
	return r
}

func TestCycleDirectAnswer(t *testing.T) {
	store := session.NewStore(0, nil)
	client := &fakeLLM{responses: []*llm.ChatResponse{textResponse("a video is 500 GBP")}}
	o := New(nil, store, nil, client, tools.NewRegistry(nil, nil, nil, nil, nil), "test-model", 8)

	result, err := o.HandleMessage(context.Background(), "s1", "how much for a video?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if result.Aborted {
		t.Fatalf("unexpected abort: %s", result.AbortReason)
	}
	if result.Text != "a video is 500 GBP" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Steps != 1 {
		t.Errorf("steps = %d, want 1", result.Steps)
	}

	h := store.History("s1")
	if len(h) != 2 {
		t.Fatalf("history = %d turns, want 2", len(h))
	}
	if h[0].Role != session.RoleUser || h[1].Role != session.RoleAssistant {
		t.Errorf("history roles = %v, %v", h[0].Role, h[1].Role)
	}

	// First model call: system prompt then the user turn.
	first := client.calls[0]
	if first[0].Role != "system" {
		t.Errorf("first message role = %q, want system", first[0].Role)
	}
	if first[len(first)-1].Content != "how much for a video?" {
		t.Errorf("last message = %q", first[len(first)-1].Content)
	}
}

func TestCycleToolRound(t *testing.T) {
	store := session.NewStore(0, nil)
	registry := testRegistry(t, "get_pricing", func(context.Context, map[string]any) (string, error) {
		return "Video: 500 GBP", nil
	})
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolCallResponse(newToolCall("call_1", "get_pricing", map[string]any{})),
		textResponse("a video is 500 GBP"),
	}}
	o := New(nil, store, nil, client, registry, "test-model", 8)

	result, err := o.HandleMessage(context.Background(), "s1", "what do you charge?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if result.Steps != 2 {
		t.Errorf("steps = %d, want 2", result.Steps)
	}

	// Second call must carry the assistant tool-call message and the
	// tool result keyed by call id.
	second := client.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", last)
	}
	if last.Content != "Video: 500 GBP" {
		t.Errorf("tool result content = %q", last.Content)
	}

	h := store.History("s1")
	if len(h) != 3 {
		t.Fatalf("history = %d turns, want user, tool-result, assistant", len(h))
	}
	if h[1].Role != session.RoleToolResult || h[1].ToolName != "get_pricing" {
		t.Errorf("tool-result turn = %+v", h[1])
	}
}

func TestCycleConcurrentToolCalls(t *testing.T) {
	store := session.NewStore(0, nil)
	registry := testRegistry(t, "echo", func(_ context.Context, args map[string]any) (string, error) {
		return fmt.Sprint(args["n"]), nil
	})
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolCallResponse(
			newToolCall("call_a", "echo", map[string]any{"n": 1.0}),
			newToolCall("call_b", "echo", map[string]any{"n": 2.0}),
		),
		textResponse("done"),
	}}
	o := New(nil, store, nil, client, registry, "test-model", 8)

	if _, err := o.HandleMessage(context.Background(), "s1", "go"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	// Results must come back in call order regardless of completion order.
	second := client.calls[1]
	tail := second[len(second)-2:]
	if tail[0].ToolCallID != "call_a" || tail[0].Content != "1" {
		t.Errorf("first result = %+v", tail[0])
	}
	if tail[1].ToolCallID != "call_b" || tail[1].Content != "2" {
		t.Errorf("second result = %+v", tail[1])
	}
}

func TestCycleAbortsOnUpstreamUnavailable(t *testing.T) {
	store := session.NewStore(0, nil)
	registry := testRegistry(t, "get_pricing", func(context.Context, map[string]any) (string, error) {
		return "", &tools.Error{Tool: "get_pricing", Kind: tools.UpstreamUnavailable, Err: errors.New("connection refused")}
	})
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolCallResponse(newToolCall("call_1", "get_pricing", map[string]any{})),
	}}
	o := New(nil, store, nil, client, registry, "test-model", 8)

	result, err := o.HandleMessage(context.Background(), "s1", "price?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !result.Aborted {
		t.Fatal("cycle should abort when the pricing source is down")
	}
	if result.Text != prompts.DegradedAnswer {
		t.Errorf("text = %q, want degraded answer", result.Text)
	}
	if len(client.calls) != 1 {
		t.Errorf("model calls = %d, want 1 (no retry after abort)", len(client.calls))
	}

	// The degraded answer lands in history like any assistant turn.
	h := store.History("s1")
	if h[len(h)-1].Content != prompts.DegradedAnswer {
		t.Errorf("last turn = %q", h[len(h)-1].Content)
	}
}

func TestCycleFeedsBackRecoverableToolErrors(t *testing.T) {
	store := session.NewStore(0, nil)
	registry := testRegistry(t, "convert_currency", func(context.Context, map[string]any) (string, error) {
		return "", &tools.Error{Tool: "convert_currency", Kind: tools.InvalidArgument, Err: errors.New("currency XXX not in rate table")}
	})
	client := &fakeLLM{responses: []*llm.ChatResponse{
		toolCallResponse(newToolCall("call_1", "convert_currency", map[string]any{})),
		textResponse("I can't convert to XXX, it isn't a supported currency."),
	}}
	o := New(nil, store, nil, client, registry, "test-model", 8)

	result, err := o.HandleMessage(context.Background(), "s1", "quote in XXX")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if result.Aborted {
		t.Fatal("recoverable tool errors must not abort the cycle")
	}

	second := client.calls[1]
	last := second[len(second)-1]
	if !strings.HasPrefix(last.Content, "Error: ") {
		t.Errorf("tool result = %q, want error fed back to the model", last.Content)
	}
}

func TestCycleStepBound(t *testing.T) {
	store := session.NewStore(0, nil)
	registry := testRegistry(t, "spin", func(context.Context, map[string]any) (string, error) {
		return "more", nil
	})
	// Model never stops asking for tools.
	var responses []*llm.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResponse(newToolCall(fmt.Sprintf("call_%d", i), "spin", map[string]any{})))
	}
	client := &fakeLLM{responses: responses}
	o := New(nil, store, nil, client, registry, "test-model", 3)

	result, err := o.HandleMessage(context.Background(), "s1", "go")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !result.Aborted {
		t.Fatal("cycle should abort at the step bound")
	}
	if result.Steps != 3 {
		t.Errorf("steps = %d, want 3", result.Steps)
	}
	if len(client.calls) != 3 {
		t.Errorf("model calls = %d, want 3", len(client.calls))
	}
	if result.Text != prompts.StepLimitAnswer {
		t.Errorf("text = %q, want step limit answer", result.Text)
	}
}

func TestCycleNudgesEmptyResponse(t *testing.T) {
	store := session.NewStore(0, nil)
	client := &fakeLLM{responses: []*llm.ChatResponse{
		textResponse(""),
		textResponse("sorry, here is the answer"),
	}}
	o := New(nil, store, nil, client, tools.NewRegistry(nil, nil, nil, nil, nil), "test-model", 8)

	result, err := o.HandleMessage(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if result.Text != "sorry, here is the answer" {
		t.Errorf("text = %q", result.Text)
	}

	second := client.calls[1]
	if second[len(second)-1].Content != prompts.EmptyResponseNudge {
		t.Errorf("nudge not sent, last message = %q", second[len(second)-1].Content)
	}
}

func TestCycleDegradesOnModelFailure(t *testing.T) {
	store := session.NewStore(0, nil)
	client := &fakeLLM{errs: []error{errors.New("dial tcp: connection refused")}}
	o := New(nil, store, nil, client, tools.NewRegistry(nil, nil, nil, nil, nil), "test-model", 8)

	result, err := o.HandleMessage(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !result.Aborted || result.AbortReason != "model unavailable" {
		t.Errorf("result = %+v, want model unavailable abort", result)
	}
}

func TestHistoryCarriesAcrossCycles(t *testing.T) {
	store := session.NewStore(0, nil)
	client := &fakeLLM{responses: []*llm.ChatResponse{
		textResponse("500 GBP"),
		textResponse("that is 635 USD"),
	}}
	o := New(nil, store, nil, client, tools.NewRegistry(nil, nil, nil, nil, nil), "test-model", 8)

	if _, err := o.HandleMessage(context.Background(), "s1", "price for a video?"); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if _, err := o.HandleMessage(context.Background(), "s1", "and in USD?"); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	second := client.calls[1]
	// system + first user + first assistant + second user
	if len(second) != 4 {
		t.Fatalf("second cycle messages = %d, want 4", len(second))
	}
	if second[2].Content != "500 GBP" {
		t.Errorf("prior assistant turn missing, got %q", second[2].Content)
	}
}
