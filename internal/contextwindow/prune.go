package contextwindow

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

// SoftTrimSettings bounds Layer 1 trimming.
type SoftTrimSettings struct {
	Max  int
	Head int
	Tail int
}

// HardClearSettings configures Layer 2 clearing.
type HardClearSettings struct {
	Placeholder string
}

// ToolFilter controls which tool_result blocks are eligible for
// pruning, by glob-matching against the tool name recorded alongside
// the result.
type ToolFilter struct {
	Allow []string
	Deny  []string
}

// PruneSettings configures pruneContextMessages. DefaultPruneSettings
// gives the values used when the caller has none of their own.
type PruneSettings struct {
	MaxHistoryShare      float64
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	MinPrunableToolChars int
	SoftTrim             SoftTrimSettings
	HardClear            HardClearSettings
	Tools                ToolFilter
}

// DefaultPruneSettings matches the reference defaults.
var DefaultPruneSettings = PruneSettings{
	MaxHistoryShare:      0.5,
	KeepLastAssistants:   3,
	SoftTrimRatio:        0.3,
	HardClearRatio:       0.5,
	MinPrunableToolChars: 50_000,
	SoftTrim:             SoftTrimSettings{Max: 4000, Head: 1500, Tail: 1500},
	HardClear:            HardClearSettings{Placeholder: "[Old tool result content cleared]"},
	Tools:                ToolFilter{Allow: []string{"*"}},
}

// PruneResult is the outcome of pruneContextMessages.
type PruneResult struct {
	Messages               []coretypes.Message
	DroppedMessages        []coretypes.Message
	TrimmedToolResults     int
	HardClearedToolResults int
	TotalChars             int
	KeptChars              int
	DroppedChars           int
	BudgetChars            int
}

// PruneContextMessages applies the three-layer pruning strategy:
// soft-trim long prunable tool results, then hard-clear them if still
// over budget, then drop whole older messages (protecting the most
// recent KeepLastAssistants assistant turns) if still over budget.
func PruneContextMessages(messages []coretypes.Message, contextWindowTokens int, settings PruneSettings) PruneResult {
	charWindow := contextWindowTokens * charsPerToken
	budgetChars := int(float64(charWindow) * settings.MaxHistoryShare)

	working := make([]coretypes.Message, len(messages))
	copy(working, messages)

	totalChars := TotalChars(working)
	result := PruneResult{BudgetChars: budgetChars}

	ratio := ratioOf(totalChars, charWindow)
	if ratio > settings.SoftTrimRatio {
		totalChars, result.TrimmedToolResults = softTrim(working, settings)
	}

	ratio = ratioOf(totalChars, charWindow)
	prunableChars := prunableToolChars(working, settings.Tools)
	if ratio > settings.HardClearRatio && prunableChars > settings.MinPrunableToolChars {
		totalChars, result.HardClearedToolResults = hardClear(working, settings, totalChars, charWindow)
	}

	if totalChars > budgetChars {
		working, result.DroppedMessages = dropMessages(working, settings.KeepLastAssistants, budgetChars)
		totalChars = TotalChars(working)
	}

	result.Messages = working
	result.TotalChars = TotalChars(messages)
	result.KeptChars = totalChars
	result.DroppedChars = result.TotalChars - result.KeptChars
	return result
}

func ratioOf(chars, charWindow int) float64 {
	if charWindow <= 0 {
		return 0
	}
	return float64(chars) / float64(charWindow)
}

func isPrunable(toolName string, filter ToolFilter) bool {
	for _, deny := range filter.Deny {
		if matchGlob(deny, toolName) {
			return false
		}
	}
	if len(filter.Allow) == 0 {
		return true
	}
	for _, allow := range filter.Allow {
		if matchGlob(allow, toolName) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	matched, _ := doublestar.Match(pattern, s)
	return matched
}

func prunableToolChars(messages []coretypes.Message, filter ToolFilter) int {
	total := 0
	for _, m := range messages {
		for _, b := range m.Blocks {
			tr, ok := b.(coretypes.ToolResultBlock)
			if !ok || !isPrunable(tr.Name, filter) {
				continue
			}
			total += len(tr.Content)
		}
	}
	return total
}

// softTrim replaces prunable tool_result content longer than
// SoftTrim.Max with a head/tail excerpt, in place, and returns the
// recomputed total char count and number of blocks trimmed.
func softTrim(messages []coretypes.Message, settings PruneSettings) (int, int) {
	trimmed := 0
	for mi, m := range messages {
		for bi, b := range m.Blocks {
			tr, ok := b.(coretypes.ToolResultBlock)
			if !ok || !isPrunable(tr.Name, settings.Tools) {
				continue
			}
			if len(tr.Content) <= settings.SoftTrim.Max {
				continue
			}
			tr.Content = truncatedHeadTail(tr.Content, settings.SoftTrim.Head, settings.SoftTrim.Tail, "[trimmed ...]")
			messages[mi].Blocks[bi] = tr
			trimmed++
		}
	}
	return TotalChars(messages), trimmed
}

// hardClear replaces prunable tool_result content with a placeholder,
// in message order, stopping as soon as the running ratio drops below
// HardClearRatio.
func hardClear(messages []coretypes.Message, settings PruneSettings, totalChars, charWindow int) (int, int) {
	cleared := 0
	running := totalChars
	for mi, m := range messages {
		if ratioOf(running, charWindow) < settings.HardClearRatio {
			break
		}
		for bi, b := range m.Blocks {
			if ratioOf(running, charWindow) < settings.HardClearRatio {
				break
			}
			tr, ok := b.(coretypes.ToolResultBlock)
			if !ok || !isPrunable(tr.Name, settings.Tools) {
				continue
			}
			if tr.Content == settings.HardClear.Placeholder {
				continue
			}
			running -= len(tr.Content)
			running += len(settings.HardClear.Placeholder)
			tr.Content = settings.HardClear.Placeholder
			messages[mi].Blocks[bi] = tr
			cleared++
		}
	}
	return running, cleared
}

// dropMessages keeps a protected tail (from the Nth-from-last assistant
// message onward) and packs older messages back-to-front within budget.
func dropMessages(messages []coretypes.Message, keepLastAssistants, budgetChars int) ([]coretypes.Message, []coretypes.Message) {
	cutoff := cutoffIndex(messages, keepLastAssistants)

	protected := messages[cutoff:]
	protectedChars := TotalChars(protected)

	if protectedChars > budgetChars {
		// Final fallback: ignore protection, pack back-to-front.
		return packBackToFront(messages, budgetChars)
	}

	kept := make([]coretypes.Message, len(protected))
	copy(kept, protected)
	budget := budgetChars - protectedChars

	oldestKeptIndex := cutoff
	for i := cutoff - 1; i >= 0; i-- {
		c := MessageChars(messages[i])
		if c > budget {
			break
		}
		budget -= c
		oldestKeptIndex = i
	}

	final := append(append([]coretypes.Message{}, messages[oldestKeptIndex:cutoff]...), kept...)
	dropped := messages[:oldestKeptIndex]
	return final, dropped
}

func packBackToFront(messages []coretypes.Message, budgetChars int) ([]coretypes.Message, []coretypes.Message) {
	budget := budgetChars
	var kept []coretypes.Message
	for i := len(messages) - 1; i >= 0; i-- {
		c := MessageChars(messages[i])
		if c > budget && len(kept) > 0 {
			break
		}
		kept = append([]coretypes.Message{messages[i]}, kept...)
		budget -= c
	}
	dropped := messages[:len(messages)-len(kept)]
	return kept, dropped
}

func cutoffIndex(messages []coretypes.Message, keepLastAssistants int) int {
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == coretypes.RoleAssistant {
			seen++
			if seen == keepLastAssistants {
				return i
			}
		}
	}
	return 0
}
