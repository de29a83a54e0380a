// Package sessionlog implements the append-only, crash-safe conversation
// log: JSONL entries linked by parentId, cross-process file locking with
// staleness detection, and tolerant parsing of partial or legacy files.
package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

func writeJSONLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

const formatVersion = "1"

// state is the in-memory reconstruction of one session's log, per
// spec's SessionState: the header, every entry keyed by id, the
// current leaf, and whether the file has been created yet.
type state struct {
	filePath     string
	header       *coretypes.Entry
	entries      []coretypes.Entry
	byID         map[string]coretypes.Entry
	leafID       string
	flushed      bool
	hasAssistant bool
}

// Log is the append-only session log. One Log instance can serve many
// sessionKeys; each gets its own file and its own in-memory state,
// guarded by a single mutex (sessions are already single-threaded by
// the lane scheduler's session lane, so this is about protecting the
// in-memory map, not arbitrating concurrent writers to one session).
type Log struct {
	baseDir string

	mu     sync.Mutex
	states map[string]*state
}

// New creates a Log rooted at baseDir, creating the directory if
// necessary.
func New(baseDir string) (*Log, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Log{baseDir: baseDir, states: make(map[string]*state)}, nil
}

// Load returns the live message sequence for sessionKey: the chain from
// the root to the current leaf, with any compaction entry on the path
// replacing everything strictly before its firstKeptEntryId with its
// summary message.
func (l *Log) Load(sessionKey string) ([]coretypes.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.ensureLoaded(sessionKey)
	if err != nil {
		return nil, err
	}
	return replay(st), nil
}

// Append persists a new message entry linked to the current leaf and
// returns its id.
func (l *Log) Append(sessionKey string, msg coretypes.Message) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.ensureLoaded(sessionKey)
	if err != nil {
		return "", err
	}

	entry := coretypes.Entry{
		Kind:      coretypes.EntryMessage,
		ID:        newEntryID(),
		ParentID:  st.leafID,
		Timestamp: msg.Timestamp,
		Message:   &msg,
	}
	if err := l.persist(st, entry); err != nil {
		return "", err
	}
	if msg.Role == coretypes.RoleAssistant {
		st.hasAssistant = true
	}
	return entry.ID, nil
}

// AppendCompaction persists a compaction checkpoint entry.
func (l *Log) AppendCompaction(sessionKey string, summary coretypes.Message, firstKeptEntryID string, tokensBefore int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.ensureLoaded(sessionKey)
	if err != nil {
		return "", err
	}

	entry := coretypes.Entry{
		Kind:             coretypes.EntryCompaction,
		ID:               newEntryID(),
		ParentID:         st.leafID,
		Timestamp:        summary.Timestamp,
		Summary:          summary.PlainText(),
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
	}
	if err := l.persist(st, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// ResolveMessageEntryID finds the entry id of the most recent persisted
// entry whose Message is reference-equal in content to msg, used to pin
// firstKeptEntryId for a compaction checkpoint.
func (l *Log) ResolveMessageEntryID(sessionKey string, msg coretypes.Message) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.ensureLoaded(sessionKey)
	if err != nil {
		return "", false
	}
	for i := len(st.entries) - 1; i >= 0; i-- {
		e := st.entries[i]
		if e.Kind != coretypes.EntryMessage || e.Message == nil {
			continue
		}
		if e.Message.Role == msg.Role && e.Message.Timestamp == msg.Timestamp && e.Message.PlainText() == msg.PlainText() {
			return e.ID, true
		}
	}
	return "", false
}

// Clear removes a session's file and in-memory state entirely.
func (l *Log) Clear(sessionKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.states, sessionKey)
	path := sessionFilePath(l.baseDir, sessionKey)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the sessionKeys with a persisted file in baseDir.
func (l *Log) List() ([]string, error) {
	entries, err := os.ReadDir(l.baseDir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		encoded := name[:len(name)-len(".jsonl")]
		key, err := decodeSessionKey(encoded)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ensureLoaded returns the in-memory state for sessionKey, loading it
// from disk on first access.
func (l *Log) ensureLoaded(sessionKey string) (*state, error) {
	if st, ok := l.states[sessionKey]; ok {
		return st, nil
	}

	path := sessionFilePath(l.baseDir, sessionKey)
	st := &state{filePath: path, byID: make(map[string]coretypes.Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.states[sessionKey] = st
			return st, nil
		}
		return nil, err
	}

	legacy := parseEntries(st, data)
	st.flushed = true
	if legacy {
		// Legacy flat file: no header seen. Migrate on next write by
		// leaving flushed=false so the next persist rewrites the file
		// with a proper header.
		st.flushed = false
	}

	l.states[sessionKey] = st
	return st, nil
}

// parseEntries decodes JSONL content into st, tolerating a truncated
// final line and unknown entry kinds. Returns true if no session
// header entry was found (legacy flat file).
func parseEntries(st *state, data []byte) bool {
	lines := splitLines(data)
	sawHeader := false

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		entry, ok := coretypes.UnmarshalEntryLine(line)
		if !ok {
			// Either malformed JSON (including a truncated final
			// line) or an unknown entry kind: skip and continue.
			continue
		}

		switch entry.Kind {
		case coretypes.EntrySession:
			sawHeader = true
			h := entry
			st.header = &h
		case coretypes.EntryMessage, coretypes.EntryCompaction:
			st.entries = append(st.entries, entry)
			st.byID[entry.ID] = entry
			st.leafID = entry.ID
			if entry.Kind == coretypes.EntryMessage && entry.Message != nil && entry.Message.Role == coretypes.RoleAssistant {
				st.hasAssistant = true
			}
		}
	}

	return !sawHeader
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// persist writes entry to disk: the first write for a session rewrites
// the whole file (header + all entries so far including entry); every
// later write is a single appended line. A cross-process lock is held
// for the duration of the physical write.
func (l *Log) persist(st *state, entry coretypes.Entry) error {
	lock := newFileLock(st.filePath)
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("sessionlog: %w", err)
	}
	defer lock.Release()

	st.entries = append(st.entries, entry)
	st.byID[entry.ID] = entry
	st.leafID = entry.ID

	if !st.flushed {
		if st.header == nil {
			st.header = &coretypes.Entry{
				Kind:      coretypes.EntrySession,
				Version:   formatVersion,
				Timestamp: time.Now().UnixMilli(),
			}
		}
		if err := rewriteFile(st); err != nil {
			return err
		}
		st.flushed = true
		return nil
	}

	return appendLine(st.filePath, entry)
}

func rewriteFile(st *state) error {
	f, err := os.OpenFile(st.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeJSONLine(w, *st.header); err != nil {
		return err
	}
	for _, e := range st.entries {
		if err := writeJSONLine(w, e); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func appendLine(path string, entry coretypes.Entry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeJSONLine(w, entry); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// replay reconstructs the live message sequence by walking parentId
// from leafId to the root, then replaying forward; a compaction entry
// on the path replaces everything strictly before firstKeptEntryId
// with its summary message.
func replay(st *state) []coretypes.Message {
	var chain []coretypes.Entry
	id := st.leafID
	for id != "" {
		e, ok := st.byID[id]
		if !ok {
			break
		}
		chain = append(chain, e)
		id = e.ParentID
	}
	// chain is leaf-to-root; reverse to root-to-leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var lastCompactionIdx = -1
	for i, e := range chain {
		if e.Kind == coretypes.EntryCompaction {
			lastCompactionIdx = i
		}
	}

	var out []coretypes.Message
	if lastCompactionIdx >= 0 {
		comp := chain[lastCompactionIdx]
		out = append(out, coretypes.Message{
			Role:      coretypes.RoleAssistant,
			Timestamp: comp.Timestamp,
			Text:      comp.Summary,
		})
		start := lastCompactionIdx + 1
		for i := 0; i < lastCompactionIdx; i++ {
			if chain[i].ID == comp.FirstKeptEntryID {
				start = i
				break
			}
		}
		for _, e := range chain[start:] {
			if e.Kind == coretypes.EntryMessage && e.Message != nil {
				out = append(out, *e.Message)
			}
		}
		return out
	}

	for _, e := range chain {
		if e.Kind == coretypes.EntryMessage && e.Message != nil {
			out = append(out, *e.Message)
		}
	}
	return out
}
