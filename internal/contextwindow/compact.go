package contextwindow

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

const (
	defaultReserveTokens     = 20_000
	chunkRatioBase           = 0.4
	chunkRatioMin            = 0.15
	defaultParts             = 2
	minMessagesForSplit      = 4
)

// ShouldTriggerCompaction reports whether totalTokens leaves less than
// reserveTokens of headroom in the context window.
func ShouldTriggerCompaction(totalTokens, contextWindowTokens, reserveTokens int) bool {
	if reserveTokens <= 0 {
		reserveTokens = defaultReserveTokens
	}
	return totalTokens > contextWindowTokens-reserveTokens
}

// Summarizer calls the LLM with a system/user prompt pair and returns
// the generated text. The agent loop supplies this, backed by the
// configured provider.
type Summarizer func(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)

const summarizerSystemPrompt = "You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion."

const mergeSystemPrompt = "You merge partial conversation summaries into one coherent summary, preserving all key context, decisions, and file changes from each part."

// BuildCompactionSummary summarizes the dropped messages produced by
// pruning, chunking them when large, and returns the synthetic user
// message to persist via appendCompaction.
func BuildCompactionSummary(ctx context.Context, dropped []coretypes.Message, reserveTokens int, summarize Summarizer) (coretypes.Message, error) {
	if reserveTokens <= 0 {
		reserveTokens = defaultReserveTokens
	}
	maxTokensPerCall := int(0.8 * float64(reserveTokens))

	chunks := chunkMessages(dropped, defaultParts)

	var partSummaries []string
	for _, chunk := range chunks {
		summary, err := summarizeChunk(ctx, chunk, maxTokensPerCall, summarize)
		if err != nil {
			return coretypes.Message{}, fmt.Errorf("contextwindow: summarize chunk: %w", err)
		}
		partSummaries = append(partSummaries, summary)
	}

	finalSummary := partSummaries[0]
	if len(partSummaries) > 1 {
		merged, err := summarize(ctx, mergeSystemPrompt, buildMergePrompt(partSummaries), maxTokensPerCall)
		if err != nil {
			return coretypes.Message{}, fmt.Errorf("contextwindow: merge summaries: %w", err)
		}
		finalSummary = merged
	}

	readFiles, modifiedFiles := mineFileReferences(dropped)
	text := renderCompactionMessage(finalSummary, readFiles, modifiedFiles)

	return coretypes.Message{Role: coretypes.RoleUser, Text: text}, nil
}

// chunkMessages splits dropped into at most `parts` contiguous chunks
// by token share, only splitting at all once there are at least
// minMessagesForSplit messages to split.
func chunkMessages(messages []coretypes.Message, parts int) [][]coretypes.Message {
	if len(messages) < minMessagesForSplit || parts < 2 {
		return [][]coretypes.Message{messages}
	}

	total := TotalTokens(messages)
	target := total / parts

	var chunks [][]coretypes.Message
	var current []coretypes.Message
	currentTokens := 0
	for _, m := range messages {
		current = append(current, m)
		currentTokens += MessageTokens(m)
		if currentTokens >= target && len(chunks) < parts-1 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// summarizeChunk summarizes one chunk, retrying with oversized
// messages replaced by placeholder notes if the first attempt fails.
func summarizeChunk(ctx context.Context, chunk []coretypes.Message, maxTokens int, summarize Summarizer) (string, error) {
	prompt := buildChunkPrompt(chunk)
	summary, err := summarize(ctx, summarizerSystemPrompt, prompt, maxTokens)
	if err == nil {
		return summary, nil
	}

	reduced := omitOversizedMessages(chunk, maxTokens)
	prompt = buildChunkPrompt(reduced)
	return summarize(ctx, summarizerSystemPrompt, prompt, maxTokens)
}

// omitOversizedMessages replaces any message whose token estimate
// exceeds a chunk-size-adaptive ratio of maxTokens with a short
// "[Large <role> (~Nk tokens) omitted]" placeholder.
func omitOversizedMessages(chunk []coretypes.Message, maxTokens int) []coretypes.Message {
	ratio := chunkRatioBase
	if len(chunk) > 20 {
		ratio = chunkRatioMin
	}
	limit := int(ratio * float64(maxTokens))

	out := make([]coretypes.Message, len(chunk))
	for i, m := range chunk {
		tokens := MessageTokens(m)
		if tokens > limit {
			out[i] = coretypes.Message{
				Role: m.Role,
				Text: fmt.Sprintf("[Large %s (~%dk tokens) omitted]", m.Role, tokens/1000),
			}
			continue
		}
		out[i] = m
	}
	return out
}

func buildChunkPrompt(chunk []coretypes.Message) string {
	var b strings.Builder
	b.WriteString("Please summarize the following conversation, focusing on:\n")
	b.WriteString("1. Key decisions and outcomes\n")
	b.WriteString("2. Files that were modified\n")
	b.WriteString("3. Important context for continuing the work\n\n---\n\n")

	for _, m := range chunk {
		if m.Role == coretypes.RoleUser {
			b.WriteString("USER:\n")
		} else {
			b.WriteString("ASSISTANT:\n")
		}
		b.WriteString(m.PlainText())
		for _, tu := range m.ToolUses() {
			fmt.Fprintf(&b, "[Tool: %s]\n", tu.Name)
		}
		for _, tr := range m.ToolResults() {
			content := tr.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			b.WriteString(content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func buildMergePrompt(summaries []string) string {
	var b strings.Builder
	b.WriteString("Merge the following partial summaries of one conversation, in order, into a single coherent summary:\n\n")
	for i, s := range summaries {
		fmt.Fprintf(&b, "--- Part %d ---\n%s\n\n", i+1, s)
	}
	return b.String()
}

// mineFileReferences scans tool_use blocks named read/write/edit for a
// "path" input argument, classifying read as read-only and write/edit
// as modified.
func mineFileReferences(messages []coretypes.Message) (read, modified []string) {
	readSet := map[string]bool{}
	modSet := map[string]bool{}
	for _, m := range messages {
		for _, tu := range m.ToolUses() {
			path, _ := tu.Input["path"].(string)
			if path == "" {
				continue
			}
			switch tu.Name {
			case "read":
				readSet[path] = true
			case "write", "edit":
				modSet[path] = true
			}
		}
	}
	for p := range readSet {
		if !modSet[p] {
			read = append(read, p)
		}
	}
	for p := range modSet {
		modified = append(modified, p)
	}
	return read, modified
}

func renderCompactionMessage(summary string, readFiles, modifiedFiles []string) string {
	var b strings.Builder
	b.WriteString("The conversation history before this point was compacted into the following summary:\n\n")
	b.WriteString("<summary>\n")
	b.WriteString(summary)
	b.WriteString("\n</summary>\n\n")
	fmt.Fprintf(&b, "<read-files>%s</read-files>\n", strings.Join(readFiles, ", "))
	fmt.Fprintf(&b, "<modified-files>%s</modified-files>", strings.Join(modifiedFiles, ", "))
	return b.String()
}
