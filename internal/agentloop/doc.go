// Package agentloop: the run's terminal event is always exactly one of
// agent_end or agent_error. Run defers Deps.Log.FlushPendingToolResults,
// so the flush runs after that terminal event is emitted and before Run
// returns, matching the session log guard's "structured finally"
// contract.
//
// # Steering
//
// GetSteering is drained before the outer loop begins, after every
// individual tool invocation, and after an assistant turn that produced
// no tool calls. Steering observed mid-batch synthesizes a fixed
// "Skipped due to queued user message." tool_result for every remaining
// call in that batch and ends the batch early.
//
// # Overflow compaction
//
// A context-overflow classified error (by message substring) triggers
// at most one compaction attempt per run: the messages the prior prune
// round dropped are summarized via Deps.Summarize, persisted as a
// compaction checkpoint, and the same turn is retried with the new
// summary prepended to the model's message list.
//
// # Testing seam
//
// StreamFunc returns the narrow EventStream interface rather than the
// concrete *provider.EventStream: Eino's schema package offers no
// public constructor for an in-memory schema.StreamReader, so tests
// script a fake EventStream directly instead of building a real one.
package agentloop
