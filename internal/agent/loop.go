// Package agent implements the reasoning loop that turns a customer
// message into a quote.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/creatorops/quotient/internal/llm"
	"github.com/creatorops/quotient/internal/prompts"
	"github.com/creatorops/quotient/internal/session"
	"github.com/creatorops/quotient/internal/tools"
)

const defaultMaxSteps = 8

// Result is the outcome of one reasoning cycle.
type Result struct {
	Text         string `json:"text"`
	Steps        int    `json:"steps"`
	Aborted      bool   `json:"aborted,omitempty"`
	AbortReason  string `json:"abort_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Orchestrator runs reasoning cycles. One cycle is: append the customer
// turn, then alternate model calls and tool dispatches until the model
// answers in plain text or a bound trips. Cycles for the same session
// are serialized by the queue; the orchestrator itself is stateless
// between calls.
type Orchestrator struct {
	logger   *slog.Logger
	store    *session.Store
	archive  *session.Archive
	llm      llm.Client
	registry *tools.Registry
	queue    *sessionQueue
	model    string
	maxSteps int
}

// New creates an orchestrator. archive may be nil to disable
// persistence. maxSteps values <= 0 use the default bound.
func New(logger *slog.Logger, store *session.Store, archive *session.Archive, client llm.Client, registry *tools.Registry, model string, maxSteps int) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Orchestrator{
		logger:   logger,
		store:    store,
		archive:  archive,
		llm:      client,
		registry: registry,
		queue:    newSessionQueue(),
		model:    model,
		maxSteps: maxSteps,
	}
}

// HandleMessage runs one reasoning cycle for the session. Calls for the
// same session queue behind any cycle already in flight and run in
// arrival order; calls for different sessions proceed concurrently.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, text string) (*Result, error) {
	var result *Result
	var err error
	o.queue.do(sessionID, func() {
		result, err = o.runCycle(ctx, sessionID, text)
	})
	return result, err
}

func (o *Orchestrator) runCycle(ctx context.Context, sessionID, text string) (*Result, error) {
	start := time.Now()
	logger := o.logger.With("session", sessionID)

	o.recordTurn(sessionID, o.store.Append(sessionID, session.RoleUser, text, ""))

	messages := o.buildMessages(sessionID)
	toolDefs := o.registry.List()

	logger.Info("cycle started", "history", len(messages), "tools", len(toolDefs))

	var totalInput, totalOutput int
	nudged := false

	for step := 1; step <= o.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cycle cancelled: %w", err)
		}

		resp, err := o.llm.Chat(ctx, o.model, messages, toolDefs)
		if err != nil {
			logger.Error("model call failed", "step", step, "error", err)
			return o.abort(sessionID, prompts.DegradedAnswer, "model unavailable", step, totalInput, totalOutput), nil
		}
		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens

		logger.Debug("model responded",
			"step", step,
			"tool_calls", len(resp.Message.ToolCalls),
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
		)

		// Plain text answer ends the cycle.
		if len(resp.Message.ToolCalls) == 0 {
			content := resp.Message.Content
			if content == "" {
				// One nudge, then give up on the model composing text.
				if !nudged && step < o.maxSteps {
					nudged = true
					messages = append(messages, resp.Message,
						llm.Message{Role: "user", Content: prompts.EmptyResponseNudge})
					continue
				}
				content = prompts.EmptyResponseFallback
			}

			o.recordTurn(sessionID, o.store.Append(sessionID, session.RoleAssistant, content, ""))
			logger.Info("cycle completed",
				"steps", step,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return &Result{
				Text:         content,
				Steps:        step,
				InputTokens:  totalInput,
				OutputTokens: totalOutput,
			}, nil
		}

		messages = append(messages, resp.Message)

		toolMsgs, abortReason := o.dispatch(ctx, logger, sessionID, resp.Message.ToolCalls)
		if abortReason != "" {
			return o.abort(sessionID, prompts.DegradedAnswer, abortReason, step, totalInput, totalOutput), nil
		}
		messages = append(messages, toolMsgs...)
	}

	logger.Warn("cycle hit step bound", "max_steps", o.maxSteps)
	return o.abort(sessionID, prompts.StepLimitAnswer, "step bound exceeded", o.maxSteps, totalInput, totalOutput), nil
}

// dispatch executes one batch of tool calls concurrently and returns
// their result messages in call order. A non-empty abortReason means an
// upstream dependency is unavailable and the cycle must stop rather
// than let the model improvise figures.
func (o *Orchestrator) dispatch(ctx context.Context, logger *slog.Logger, sessionID string, calls []llm.ToolCall) ([]llm.Message, string) {
	results := make([]llm.Message, len(calls))
	abortKind := make([]bool, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			started := time.Now()
			argsJSON, _ := json.Marshal(tc.Function.Arguments)

			logger.Info("tool exec", "tool", tc.Function.Name, "call_id", tc.ID)
			out, err := o.registry.Execute(gctx, tc.Function.Name, tc.Function.Arguments)

			content := out
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
				content = "Error: " + errMsg
				kind := tools.KindOf(err)
				logger.Error("tool exec failed", "tool", tc.Function.Name, "kind", kind, "error", err)
				if kind == tools.UpstreamUnavailable {
					abortKind[i] = true
				}
			}

			results[i] = llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: tc.ID,
			}

			o.recordTurn(sessionID, o.store.Append(sessionID, session.RoleToolResult, content, tc.Function.Name))
			o.recordInvocation(sessionID, tc.Function.Name, string(argsJSON), out, errMsg, started)
			return nil
		})
	}
	g.Wait()

	for i := range abortKind {
		if abortKind[i] {
			return nil, fmt.Sprintf("tool %s: upstream unavailable", calls[i].Function.Name)
		}
	}
	return results, ""
}

// abort ends the cycle with an honest degraded answer instead of a
// fabricated quote. The answer is appended like any assistant turn so
// the session history reflects what the customer saw.
func (o *Orchestrator) abort(sessionID, answer, reason string, steps, in, out int) *Result {
	o.recordTurn(sessionID, o.store.Append(sessionID, session.RoleAssistant, answer, ""))
	o.logger.Warn("cycle aborted", "session", sessionID, "reason", reason, "steps", steps)
	return &Result{
		Text:         answer,
		Steps:        steps,
		Aborted:      true,
		AbortReason:  reason,
		InputTokens:  in,
		OutputTokens: out,
	}
}

// buildMessages rebuilds the model conversation from stored history.
// The user turn for the current cycle is already in the store. Tool
// results from earlier cycles are replayed as bracketed assistant
// context because their original call IDs are not retained.
func (o *Orchestrator) buildMessages(sessionID string) []llm.Message {
	history := o.store.History(sessionID)

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: prompts.BaseSystemPrompt(),
	})

	for _, t := range history {
		switch t.Role {
		case session.RoleUser:
			messages = append(messages, llm.Message{Role: "user", Content: t.Content})
		case session.RoleAssistant:
			messages = append(messages, llm.Message{Role: "assistant", Content: t.Content})
		case session.RoleToolResult:
			messages = append(messages, llm.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("[%s result]\n%s", t.ToolName, t.Content),
			})
		}
	}
	return messages
}

func (o *Orchestrator) recordTurn(sessionID string, t session.Turn) {
	if o.archive == nil {
		return
	}
	if err := o.archive.RecordTurn(sessionID, t); err != nil {
		o.logger.Warn("archive turn failed", "session", sessionID, "error", err)
	}
}

func (o *Orchestrator) recordInvocation(sessionID, tool, args, result, errMsg string, started time.Time) {
	if o.archive == nil {
		return
	}
	if err := o.archive.RecordInvocation(sessionID, tool, args, result, errMsg, started, time.Now()); err != nil {
		o.logger.Warn("archive invocation failed", "session", sessionID, "tool", tool, "error", err)
	}
}
