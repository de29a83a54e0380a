// Package orchestrator wires the Lane Scheduler, Session Log, Agent
// Loop, Cancellation Fabric, and Event Stream into the external
// interface callers actually use: run/abort/steer/subscribe/reset.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/agentcore/opencode-core/internal/agentconfig"
	"github.com/agentcore/opencode-core/internal/agentevent"
	"github.com/agentcore/opencode-core/internal/agentloop"
	"github.com/agentcore/opencode-core/internal/cancelctx"
	"github.com/agentcore/opencode-core/internal/contextwindow"
	"github.com/agentcore/opencode-core/internal/lane"
	"github.com/agentcore/opencode-core/internal/provider"
	"github.com/agentcore/opencode-core/internal/sessionlog"
	"github.com/agentcore/opencode-core/internal/tool"
	"github.com/agentcore/opencode-core/pkg/coretypes"
)

// Config is the subset of the config envelope (spec.md §6.5) the
// orchestrator consumes directly; everything provider/model-specific
// is resolved per agent.
type Config struct {
	WorkDir             string
	DefaultAgent        string
	MaxTurns            int
	ContextWindowTokens int
	ReserveTokens       int
	MaxConcurrentRuns   int
	Temperature         float64
}

// Deps bundles the collaborators an Orchestrator wires together.
type Deps struct {
	Tools     *tool.Registry
	Agents    *agentconfig.Registry
	Providers *provider.Registry
	Log       *sessionlog.GuardedLog
	Summarize contextwindow.Summarizer
}

// Orchestrator implements spec.md §6.1: Run, Abort, Steer, Subscribe,
// Reset. It owns no domain logic itself — every call is a thin
// admission-controlled wrapper around internal/agentloop.
type Orchestrator struct {
	cfg  Config
	deps Deps

	lanes  *lane.Scheduler
	fabric *cancelctx.Fabric

	listenersMu    sync.Mutex
	listeners      map[uint64]func(coretypes.Event)
	nextListenerID uint64

	steeringMu sync.Mutex
	steering   map[string][]string
}

// New creates an Orchestrator. cfg.MaxConcurrentRuns bounds the global
// lane (spec.md §6.5 maxConcurrentRuns, default 4).
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = 200_000
	}
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		lanes:     lane.New(cfg.MaxConcurrentRuns),
		fabric:    cancelctx.NewFabric(),
		listeners: make(map[uint64]func(coretypes.Event)),
		steering:  make(map[string][]string),
	}
}

// RunOptions selects the agent and model for one run; zero value picks
// the orchestrator's configured default agent and the provider
// registry's default model.
type RunOptions struct {
	AgentID    string
	ProviderID string
	ModelID    string
}

// RunResult is run's success payload: {runId, text, turns, toolCalls}.
type RunResult struct {
	RunID     string
	Text      string
	Turns     int
	ToolCalls int
}

// Run admits sessionKey through the lanes, appends userText as a user
// message, drives the agent loop to completion, and returns its
// terminal outcome. Concurrent Run/Reset calls for the same sessionKey
// are serialized by the session lane; calls for different sessions run
// fully in parallel up to the global lane's capacity.
func (o *Orchestrator) Run(ctx context.Context, sessionKey, userText string, opts RunOptions) (RunResult, error) {
	if o.cfg.ContextWindowTokens < 8_000 {
		return RunResult{}, coretypes.NewError(coretypes.ErrContextWindowTooSmall,
			fmt.Sprintf("configured context window %d tokens is below the 8k minimum", o.cfg.ContextWindowTokens), nil)
	}

	release, err := o.lanes.Admit(ctx, sessionKey)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	runID := newRunID()
	token, forget := o.fabric.Register(ctx, runID)
	defer forget()

	userMsg := coretypes.Message{Role: coretypes.RoleUser, Timestamp: nowMillis(), Text: userText}
	if _, err := o.deps.Log.Append(sessionKey, userMsg); err != nil {
		return RunResult{}, fmt.Errorf("orchestrator: append user message: %w", err)
	}

	agent, err := o.resolveAgent(opts.AgentID)
	if err != nil {
		return RunResult{}, err
	}

	events := agentevent.New()
	unrelay := o.relay(events)
	defer unrelay()

	streamFn, err := o.buildStreamFunc(agent, opts)
	if err != nil {
		return RunResult{}, err
	}

	loopDeps := agentloop.Deps{
		Tools:         o.deps.Tools,
		Log:           o.deps.Log,
		Events:        events,
		Stream:        streamFn,
		Summarize:     o.deps.Summarize,
		ReserveTokens: o.cfg.ReserveTokens,
	}
	in := agentloop.Input{
		RunID:               runID,
		SessionKey:          sessionKey,
		SystemPrompt:        agent.Prompt,
		MaxTurns:            o.cfg.MaxTurns,
		ContextWindowTokens: o.cfg.ContextWindowTokens,
		ToolCtx: &tool.Context{
			SessionID: sessionKey,
			Agent:     agent.Name,
			WorkDir:   o.cfg.WorkDir,
			AbortCh:   token.Done(),
		},
		GetSteering: func() []string { return o.drainSteering(sessionKey) },
		Token:       token,
	}

	result := agentloop.Run(token.Context(), loopDeps, in)
	if result.Err != nil {
		if token.WasAborted() {
			return RunResult{RunID: runID, Turns: result.Turns, ToolCalls: result.TotalToolCalls},
				coretypes.NewError(coretypes.ErrCancelled, "run aborted", result.Err)
		}
		return RunResult{RunID: runID, Turns: result.Turns, ToolCalls: result.TotalToolCalls}, result.Err
	}

	return RunResult{
		RunID:     runID,
		Text:      result.FinalText,
		Turns:     result.Turns,
		ToolCalls: result.TotalToolCalls,
	}, nil
}

// Abort cancels a single run by id, or every currently tracked run if
// runID is empty. Idempotent.
func (o *Orchestrator) Abort(runID string) {
	o.fabric.Abort(runID)
}

// Steer enqueues text for sessionKey's currently running (or next) turn
// to observe. Never blocks, never rejects, preserves order.
func (o *Orchestrator) Steer(sessionKey, text string) {
	o.steeringMu.Lock()
	defer o.steeringMu.Unlock()
	o.steering[sessionKey] = append(o.steering[sessionKey], text)
}

// Subscribe registers listener to receive every event from every run,
// across all sessions, synchronously and in causal order per run.
// Returns an unsubscribe function.
func (o *Orchestrator) Subscribe(listener func(coretypes.Event)) func() {
	o.listenersMu.Lock()
	id := o.nextListenerID
	o.nextListenerID++
	o.listeners[id] = listener
	o.listenersMu.Unlock()

	return func() {
		o.listenersMu.Lock()
		delete(o.listeners, id)
		o.listenersMu.Unlock()
	}
}

// Reset deletes sessionKey's session log. It is serialized behind the
// same session lane as Run, so it can never race an active run for the
// same session — it simply waits its turn.
func (o *Orchestrator) Reset(ctx context.Context, sessionKey string) error {
	release, err := o.lanes.Admit(ctx, sessionKey)
	if err != nil {
		return err
	}
	defer release()

	o.steeringMu.Lock()
	delete(o.steering, sessionKey)
	o.steeringMu.Unlock()

	return o.deps.Log.Clear(sessionKey)
}

// drainSteering returns and clears sessionKey's queued steering text.
func (o *Orchestrator) drainSteering(sessionKey string) []string {
	o.steeringMu.Lock()
	defer o.steeringMu.Unlock()
	pending := o.steering[sessionKey]
	if len(pending) == 0 {
		return nil
	}
	o.steering[sessionKey] = nil
	return pending
}

// relay subscribes an internal forwarder that fans every event pushed
// on events out to every orchestrator-level Subscribe listener, so
// callers see one long-lived feed rather than one per run.
func (o *Orchestrator) relay(events *agentevent.Stream) func() {
	return events.Subscribe(func(ev coretypes.Event) {
		o.listenersMu.Lock()
		fns := make([]func(coretypes.Event), 0, len(o.listeners))
		for _, fn := range o.listeners {
			fns = append(fns, fn)
		}
		o.listenersMu.Unlock()

		for _, fn := range fns {
			safeInvoke(fn, ev)
		}
	})
}

func safeInvoke(fn func(coretypes.Event), ev coretypes.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("orchestrator: subscriber panicked")
		}
	}()
	fn(ev)
}

func (o *Orchestrator) resolveAgent(agentID string) (*agentconfig.Agent, error) {
	if agentID == "" {
		agentID = o.cfg.DefaultAgent
	}
	if agentID == "" {
		agentID = "build"
	}
	agent, err := o.deps.Agents.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve agent: %w", err)
	}
	return agent, nil
}

// buildStreamFunc adapts a provider.Provider's Stream method into an
// agentloop.StreamFunc, filtering the tool registry down to what agent
// allows and resolving the provider/model to call.
func (o *Orchestrator) buildStreamFunc(agent *agentconfig.Agent, opts RunOptions) (agentloop.StreamFunc, error) {
	providerID, modelID := opts.ProviderID, opts.ModelID
	if agent.Model != nil {
		if providerID == "" {
			providerID = agent.Model.ProviderID
		}
		if modelID == "" {
			modelID = agent.Model.ModelID
		}
	}

	var model *provider.Model
	var prov provider.Provider
	var err error
	if providerID != "" && modelID != "" {
		prov, err = o.deps.Providers.Get(providerID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resolve provider: %w", err)
		}
		model, err = o.deps.Providers.GetModel(providerID, modelID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resolve model: %w", err)
		}
	} else {
		model, err = o.deps.Providers.DefaultModel()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resolve default model: %w", err)
		}
		prov, err = o.deps.Providers.Get(model.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: resolve provider: %w", err)
		}
	}

	allTools, err := o.deps.Tools.ToolInfos()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build tool schemas: %w", err)
	}
	filtered := allTools[:0:0]
	for _, ti := range allTools {
		if agent.ToolEnabled(ti.Name) {
			filtered = append(filtered, ti)
		}
	}

	maxOutput := model.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = 8_192
	}
	temperature := agent.Temperature
	if temperature == 0 {
		temperature = o.cfg.Temperature
	}

	return func(ctx context.Context, messages []*schema.Message) (agentloop.EventStream, error) {
		req := &provider.CompletionRequest{
			Model:       model.ID,
			Messages:    messages,
			Tools:       filtered,
			MaxTokens:   maxOutput,
			Temperature: temperature,
		}
		stream, err := prov.Stream(ctx, req)
		if err != nil {
			return nil, coretypes.NewError(coretypes.ErrProviderStream, "provider stream failed", err)
		}
		return stream, nil
	}, nil
}

func newRunID() string { return ulid.Make().String() }

func nowMillis() int64 { return time.Now().UnixMilli() }
