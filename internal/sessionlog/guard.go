package sessionlog

import (
	"sync"
	"time"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

const missingToolResultPlaceholder = "missing tool result in session history; synthetic error result inserted"

// pendingToolUse is what the guard remembers about a tool_use block
// still awaiting its tool_result.
type pendingToolUse struct {
	id   string
	name string
}

// GuardedLog transparently wraps a Log, enforcing that every tool_use
// recorded in an assistant message is eventually followed by a matching
// tool_result before any other kind of message is appended — and, if
// not, synthesizes placeholder results rather than let the invariant
// break.
type GuardedLog struct {
	*Log

	mu      sync.Mutex
	pending map[string][]pendingToolUse // sessionKey -> ordered pending tool uses
}

// NewGuardedLog wraps log with tool-result invariant enforcement.
func NewGuardedLog(log *Log) *GuardedLog {
	return &GuardedLog{Log: log, pending: make(map[string][]pendingToolUse)}
}

// WrapGuard is the idempotent constructor: it returns existing when it
// is non-nil instead of wrapping twice, and otherwise wraps log.
func WrapGuard(existing *GuardedLog, log *Log) *GuardedLog {
	if existing != nil {
		return existing
	}
	return NewGuardedLog(log)
}

// Append enforces the guard rules before delegating to the underlying
// Log: flush any stale pending tool_results first, then persist msg,
// then record any new tool_use ids.
func (g *GuardedLog) Append(sessionKey string, msg coretypes.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if msg.IsToolResultMessage() {
		g.clearPendingLocked(sessionKey, msg.ToolResults())
		id, err := g.Log.Append(sessionKey, msg)
		return id, err
	}

	if err := g.flushPendingLocked(sessionKey); err != nil {
		return "", err
	}

	id, err := g.Log.Append(sessionKey, msg)
	if err != nil {
		return "", err
	}

	if msg.Role == coretypes.RoleAssistant {
		for _, tu := range msg.ToolUses() {
			g.pending[sessionKey] = append(g.pending[sessionKey], pendingToolUse{id: tu.ID, name: tu.Name})
		}
	}
	return id, nil
}

func (g *GuardedLog) clearPendingLocked(sessionKey string, results []coretypes.ToolResultBlock) {
	have := make(map[string]bool, len(results))
	for _, r := range results {
		have[r.ToolUseID] = true
	}
	remaining := g.pending[sessionKey][:0]
	for _, p := range g.pending[sessionKey] {
		if !have[p.id] {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		delete(g.pending, sessionKey)
	} else {
		g.pending[sessionKey] = remaining
	}
}

func (g *GuardedLog) flushPendingLocked(sessionKey string) error {
	pending := g.pending[sessionKey]
	if len(pending) == 0 {
		return nil
	}

	var blocks []coretypes.ContentBlock
	for _, p := range pending {
		blocks = append(blocks, coretypes.ToolResultBlock{
			ToolUseID: p.id,
			Name:      p.name,
			Content:   missingToolResultPlaceholder,
		})
	}
	synth := coretypes.Message{
		Role:      coretypes.RoleUser,
		Timestamp: time.Now().UnixMilli(),
		Blocks:    blocks,
	}
	delete(g.pending, sessionKey)
	_, err := g.Log.Append(sessionKey, synth)
	return err
}

// FlushPendingToolResults is called in the outermost finally of every
// run, guaranteeing the log never ends in a state the provider would
// reject.
func (g *GuardedLog) FlushPendingToolResults(sessionKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flushPendingLocked(sessionKey)
}

// AppendCompaction flushes pending tool results (a compaction boundary
// is not a tool_result message either) before delegating.
func (g *GuardedLog) AppendCompaction(sessionKey string, summary coretypes.Message, firstKeptEntryID string, tokensBefore int) (string, error) {
	g.mu.Lock()
	if err := g.flushPendingLocked(sessionKey); err != nil {
		g.mu.Unlock()
		return "", err
	}
	g.mu.Unlock()
	return g.Log.AppendCompaction(sessionKey, summary, firstKeptEntryID, tokensBefore)
}
