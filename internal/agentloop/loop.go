// Package agentloop implements the control core of a run: the nested
// inner/outer loop that streams the LLM, dispatches tool calls, checks
// for steering between tools, and auto-compacts on context overflow.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/agentcore/opencode-core/internal/agentevent"
	"github.com/agentcore/opencode-core/internal/cancelctx"
	"github.com/agentcore/opencode-core/internal/contextwindow"
	"github.com/agentcore/opencode-core/internal/provider"
	"github.com/agentcore/opencode-core/internal/sessionlog"
	"github.com/agentcore/opencode-core/internal/tool"
	"github.com/agentcore/opencode-core/pkg/coretypes"
)

const (
	// DefaultMaxTurns bounds the outer+inner loop the way the teacher's
	// MaxSteps bounds runLoop.
	DefaultMaxTurns = 50
	// DefaultContextWindowTokens is used when a caller doesn't supply a
	// model-specific context length.
	DefaultContextWindowTokens = 150_000
	// DefaultReserveTokens is the headroom compaction tries to leave.
	DefaultReserveTokens = 20_000

	maxRetries           = 3
	retryInitialInterval = 300 * time.Millisecond
	retryMaxInterval     = 30 * time.Second
)

const skippedToolResultContent = "Skipped due to queued user message."

// EventStream is the subset of *provider.EventStream the loop actually
// drives. Declaring it as an interface (rather than depending on the
// concrete type directly) keeps the loop testable without constructing
// a real Eino schema.StreamReader, which the ecosystem offers no public
// from-slice constructor for. *provider.EventStream satisfies it
// structurally, so production StreamFuncs can return it unmodified.
type EventStream interface {
	Recv() (provider.StreamEvent, error)
	Close()
}

// StreamFunc starts one streaming completion call for the given
// messages (system prompt already included as the first message).
type StreamFunc func(ctx context.Context, messages []*schema.Message) (EventStream, error)

// Deps bundles the collaborators a run needs: the tool registry, the
// guarded session log, the event stream it publishes to, the streaming
// call itself, and the compaction summarizer.
type Deps struct {
	Tools     *tool.Registry
	Log       *sessionlog.GuardedLog
	Events    *agentevent.Stream
	Stream    StreamFunc
	Summarize contextwindow.Summarizer

	PruneSettings contextwindow.PruneSettings
	ReserveTokens int
}

// Input is one run's parameters: {runId, sessionKey, systemPrompt,
// toolCtx, maxTurns, contextTokens, getSteering, getFollowUp,
// cancelToken} from the design's Agent Loop input bundle. Messages
// themselves are not passed in — the loop loads and appends through
// Deps.Log so the session log stays the single source of truth.
type Input struct {
	RunID       string
	SessionKey  string
	SystemPrompt string

	MaxTurns            int
	ContextWindowTokens int

	ToolCtx *tool.Context

	// GetSteering drains the FIFO queue of queued user text, if any.
	GetSteering func() []string
	// GetFollowUp re-enters the outer loop with more messages once the
	// inner loop would otherwise terminate. Nil for plain interactive
	// chat; used by subagent completion reporting.
	GetFollowUp func() []string

	Token *cancelctx.Token
}

// Result is the run's terminal outcome: FinalText, Turns and
// TotalToolCalls, plus Err when the run failed. The agent_end event
// carries none of these values; agent_error carries only Err's text.
type Result struct {
	FinalText      string
	Turns          int
	TotalToolCalls int
	Err            error
}

// Run executes the agent loop to completion, publishing every event on
// deps.Events and returning once a single terminal event has been
// emitted.
func Run(ctx context.Context, deps Deps, in Input) Result {
	if in.MaxTurns <= 0 {
		in.MaxTurns = DefaultMaxTurns
	}
	if in.ContextWindowTokens <= 0 {
		in.ContextWindowTokens = DefaultContextWindowTokens
	}
	if deps.ReserveTokens <= 0 {
		deps.ReserveTokens = DefaultReserveTokens
	}
	pruneSettings := deps.PruneSettings
	if pruneSettings.MaxHistoryShare == 0 {
		pruneSettings = contextwindow.DefaultPruneSettings
	}

	r := &run{deps: deps, in: in, pruneSettings: pruneSettings}
	defer func() {
		_ = deps.Log.FlushPendingToolResults(in.SessionKey)
	}()

	r.pending = r.drainSteering()

outer:
	for {
		messages, err := deps.Log.Load(in.SessionKey)
		if err != nil {
			r.err = fmt.Errorf("agentloop: load session: %w", err)
			break
		}

		hasTools := true
		for hasTools || len(r.pending) > 0 {
			if r.turns >= in.MaxTurns {
				r.err = fmt.Errorf("agentloop: max turns exceeded")
				break outer
			}
			if in.Token != nil && in.Token.IsCancelled() {
				r.err = cancelctx.ErrAborted
				break outer
			}

			r.turns++
			r.emit(coretypes.EventTurnStart, nil)

			if len(r.pending) > 0 {
				for _, text := range r.pending {
					msg := coretypes.Message{Role: coretypes.RoleUser, Timestamp: nowMillis(), Text: text}
					if _, err := deps.Log.Append(in.SessionKey, msg); err != nil {
						r.err = fmt.Errorf("agentloop: append steering message: %w", err)
						break outer
					}
					messages = append(messages, msg)
				}
				r.pending = nil
			}

			pruneResult := contextwindow.PruneContextMessages(messages, in.ContextWindowTokens, pruneSettings)

			var modelMessages []coretypes.Message
			if r.compactionSummary != "" {
				modelMessages = append(modelMessages, coretypes.Message{Role: coretypes.RoleUser, Text: r.compactionSummary})
			}
			modelMessages = append(modelMessages, pruneResult.Messages...)

			assistantMsg, err := r.streamWithRetry(ctx, modelMessages)
			if err != nil {
				if isOverflowErr(err) && !r.overflowCompactionTried && len(pruneResult.DroppedMessages) > 0 {
					r.overflowCompactionTried = true
					if r.tryCompact(ctx, messages, pruneResult) {
						r.turns--
						continue
					}
				}
				r.err = err
				break outer
			}

			if _, err := deps.Log.Append(in.SessionKey, assistantMsg); err != nil {
				r.err = fmt.Errorf("agentloop: append assistant message: %w", err)
				break outer
			}
			messages = append(messages, assistantMsg)

			toolCalls := assistantMsg.ToolUses()
			if len(toolCalls) == 0 {
				hasTools = false
				r.finalText = assistantMsg.PlainText()
				r.emit(coretypes.EventTurnEnd, nil)
				r.pending = r.drainSteering()
				continue
			}
			hasTools = true

			userMsg, steerTexts, aborted := r.runToolBatch(ctx, toolCalls)
			if aborted {
				r.err = cancelctx.ErrAborted
				break outer
			}
			if _, err := deps.Log.Append(in.SessionKey, userMsg); err != nil {
				r.err = fmt.Errorf("agentloop: append tool results: %w", err)
				break outer
			}
			messages = append(messages, userMsg)
			r.emit(coretypes.EventTurnEnd, nil)

			if len(steerTexts) > 0 {
				r.pending = steerTexts
			} else {
				r.pending = r.drainSteering()
			}
		}

		if in.GetFollowUp != nil {
			if fu := in.GetFollowUp(); len(fu) > 0 {
				r.pending = fu
				continue outer
			}
		}
		break
	}

	if r.err != nil {
		r.emit(coretypes.EventAgentError, func(ev *coretypes.Event) { ev.Err = r.err.Error() })
		deps.Events.End(agentevent.Result{Err: r.err})
	} else {
		r.emit(coretypes.EventAgentEnd, nil)
		deps.Events.End(agentevent.Result{FinalText: r.finalText})
	}

	return Result{FinalText: r.finalText, Turns: r.turns, TotalToolCalls: r.totalToolCalls, Err: r.err}
}

// run carries the mutable state threaded through one Run call.
type run struct {
	deps          Deps
	in            Input
	pruneSettings contextwindow.PruneSettings

	pending                 []string
	turns                   int
	totalToolCalls          int
	finalText               string
	compactionSummary       string
	overflowCompactionTried bool
	err                     error
}

func (r *run) drainSteering() []string {
	if r.in.GetSteering == nil {
		return nil
	}
	return r.in.GetSteering()
}

func (r *run) emit(kind coretypes.EventKind, fill func(*coretypes.Event)) {
	ev := coretypes.NewEvent(kind, r.in.SessionKey, nowMillis())
	if fill != nil {
		fill(&ev)
	}
	r.deps.Events.Push(ev)
}

// runToolBatch executes tool_calls in order, checking for steering
// after each one and synthesizing skip results for the remainder of
// the batch the moment steering is observed.
func (r *run) runToolBatch(ctx context.Context, toolCalls []coretypes.ToolUseBlock) (coretypes.Message, []string, bool) {
	var blocks []coretypes.ContentBlock
	var steerTexts []string

	for i, call := range toolCalls {
		if r.in.Token != nil && r.in.Token.IsCancelled() {
			return coretypes.Message{}, nil, true
		}

		r.emit(coretypes.EventToolExecutionStart, func(ev *coretypes.Event) {
			ev.ToolCallID = call.ID
			ev.ToolName = call.Name
			ev.ToolInput = call.Input
		})

		output, toolErr := r.executeTool(ctx, call)
		r.totalToolCalls++

		r.emit(coretypes.EventToolExecutionEnd, func(ev *coretypes.Event) {
			ev.ToolCallID = call.ID
			ev.ToolName = call.Name
			ev.ToolOutput = output
			if toolErr != "" {
				ev.ToolError = toolErr
			}
		})

		blocks = append(blocks, coretypes.ToolResultBlock{ToolUseID: call.ID, Name: call.Name, Content: output})

		steer := r.drainSteering()
		if len(steer) > 0 {
			for _, skipped := range toolCalls[i+1:] {
				r.emit(coretypes.EventToolSkipped, func(ev *coretypes.Event) {
					ev.ToolCallID = skipped.ID
					ev.ToolName = skipped.Name
					ev.SkipReason = skippedToolResultContent
				})
				blocks = append(blocks, coretypes.ToolResultBlock{ToolUseID: skipped.ID, Name: skipped.Name, Content: skippedToolResultContent})
			}
			r.emit(coretypes.EventSteering, nil)
			steerTexts = steer
			break
		}
	}

	return coretypes.Message{Role: coretypes.RoleUser, Timestamp: nowMillis(), Blocks: blocks}, steerTexts, false
}

// executeTool dispatches one tool_use block through the registry,
// returning its output and a non-empty error string on failure —
// execution errors do not abort the batch, they become the tool's own
// result content.
func (r *run) executeTool(ctx context.Context, call coretypes.ToolUseBlock) (output string, toolErr string) {
	t, ok := r.deps.Tools.Get(call.Name)
	if !ok {
		return fmt.Sprintf("执行错误: unknown tool %q", call.Name), "unknown tool"
	}

	inputJSON, err := json.Marshal(call.Input)
	if err != nil {
		return fmt.Sprintf("执行错误: %s", err.Error()), err.Error()
	}

	result, err := t.Execute(ctx, inputJSON, r.in.ToolCtx)
	if err != nil {
		return fmt.Sprintf("执行错误: %s", err.Error()), err.Error()
	}
	return result.Output, ""
}

// tryCompact builds a compaction summary from the messages the last
// prune round dropped, persists the checkpoint, and sets it as the new
// compactionSummary. Returns false (propagating the original overflow
// error) if summarization itself fails.
func (r *run) tryCompact(ctx context.Context, messages []coretypes.Message, pruneResult contextwindow.PruneResult) bool {
	if r.deps.Summarize == nil {
		return false
	}
	summaryMsg, err := contextwindow.BuildCompactionSummary(ctx, pruneResult.DroppedMessages, r.deps.ReserveTokens, r.deps.Summarize)
	if err != nil {
		return false
	}

	r.compactionSummary = summaryMsg.PlainText()

	// Dropped messages are always a prefix of messages, so the first kept
	// message sits right after them.
	var firstKeptEntryID string
	if n := len(pruneResult.DroppedMessages); n < len(messages) {
		firstKeptEntryID, _ = r.deps.Log.ResolveMessageEntryID(r.in.SessionKey, messages[n])
	}
	tokensBefore := pruneResult.TotalChars / 4
	if _, err := r.deps.Log.AppendCompaction(r.in.SessionKey, summaryMsg, firstKeptEntryID, tokensBefore); err != nil {
		return false
	}

	r.emit(coretypes.EventContextOverflowCompact, func(ev *coretypes.Event) {
		ev.Summary = r.compactionSummary
		ev.TokensBefore = tokensBefore
		ev.FirstKeptEntryID = firstKeptEntryID
	})
	return true
}

// streamWithRetry wraps one streamOnce call with the rate-limit retry
// policy: up to maxRetries attempts, exponential backoff with jitter,
// retrying only on rate-limit classified errors and never after
// cancellation.
func (r *run) streamWithRetry(ctx context.Context, modelMessages []coretypes.Message) (coretypes.Message, error) {
	b := newRetryBackoff(ctx)
	attempt := 0

	for {
		msg, err := r.streamOnce(ctx, modelMessages)
		if err == nil {
			return msg, nil
		}
		if r.in.Token != nil && r.in.Token.IsCancelled() {
			return coretypes.Message{}, cancelctx.ErrAborted
		}
		if !isRateLimitErr(err) {
			return coretypes.Message{}, err
		}

		attempt++
		if attempt >= maxRetries {
			return coretypes.Message{}, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return coretypes.Message{}, err
		}

		r.emit(coretypes.EventRetry, func(ev *coretypes.Event) {
			ev.Attempt = attempt
			ev.RetryAfter = wait.Milliseconds()
			ev.Reason = err.Error()
		})

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return coretypes.Message{}, ctx.Err()
		}
	}
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.RandomizationFactor = 0.1
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// streamOnce drives a single streaming provider call to completion,
// accumulating text deltas and tool_use blocks, forwarding
// thinking_delta events untouched, and raising on an explicit error
// event.
func (r *run) streamOnce(ctx context.Context, modelMessages []coretypes.Message) (coretypes.Message, error) {
	einoMessages := make([]*schema.Message, 0, len(modelMessages)+1)
	einoMessages = append(einoMessages, &schema.Message{Role: schema.System, Content: r.in.SystemPrompt})
	einoMessages = append(einoMessages, provider.ConvertToEinoMessages(modelMessages)...)

	stream, err := r.deps.Stream(ctx, einoMessages)
	if err != nil {
		return coretypes.Message{}, err
	}
	defer stream.Close()

	var text strings.Builder
	var toolCalls []*provider.ToolCall

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return coretypes.Message{}, err
		}

		switch ev.Kind {
		case provider.StreamTextDelta:
			r.emit(coretypes.EventMessageDelta, func(e *coretypes.Event) { e.Delta = ev.Delta })
		case provider.StreamThinkingDelta:
			r.emit(coretypes.EventThinkingDelta, func(e *coretypes.Event) { e.Delta = ev.Delta })
		case provider.StreamTextEnd:
			text.WriteString(ev.Content)
		case provider.StreamToolCallEnd:
			toolCalls = append(toolCalls, ev.ToolCall)
		case provider.StreamError:
			return coretypes.Message{}, fmt.Errorf("%s", ev.ErrorMessage)
		}
	}

	msg := coretypes.Message{Role: coretypes.RoleAssistant, Timestamp: nowMillis()}
	if len(toolCalls) == 0 {
		msg.Text = text.String()
		return msg, nil
	}

	if text.Len() > 0 {
		msg.Blocks = append(msg.Blocks, coretypes.TextBlock{Text: text.String()})
	}
	for _, tc := range toolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Arguments), &input)
		msg.Blocks = append(msg.Blocks, coretypes.ToolUseBlock{ID: tc.ID, Name: tc.Name, Input: input})
	}
	return msg, nil
}

func isRateLimitErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "rate limit", "too many requests", "quota"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isOverflowErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"context length", "too long", "maximum context"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func nowMillis() int64 { return time.Now().UnixMilli() }
