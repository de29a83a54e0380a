package sessionlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir, err := os.MkdirTemp("", "sessionlog-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	log, err := New(dir)
	require.NoError(t, err)
	return log
}

func TestLog_AppendAndLoad(t *testing.T) {
	log := newTestLog(t)

	_, err := log.Append("sess-1", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 1, Text: "hi"})
	require.NoError(t, err)
	_, err = log.Append("sess-1", coretypes.Message{Role: coretypes.RoleAssistant, Timestamp: 2, Text: "hello"})
	require.NoError(t, err)

	msgs, err := log.Load("sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "hello", msgs[1].Text)
}

func TestLog_PersistsAcrossInstances(t *testing.T) {
	dir, err := os.MkdirTemp("", "sessionlog-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	log1, err := New(dir)
	require.NoError(t, err)
	_, err = log1.Append("sess-1", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 1, Text: "first"})
	require.NoError(t, err)

	log2, err := New(dir)
	require.NoError(t, err)
	msgs, err := log2.Load("sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Text)
}

func TestLog_CompactionReplacesPriorHistory(t *testing.T) {
	log := newTestLog(t)

	_, err := log.Append("sess-1", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 1, Text: "one"})
	require.NoError(t, err)
	firstID, err := log.Append("sess-1", coretypes.Message{Role: coretypes.RoleAssistant, Timestamp: 2, Text: "two"})
	require.NoError(t, err)
	_, err = log.Append("sess-1", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 3, Text: "three"})
	require.NoError(t, err)

	_, err = log.AppendCompaction("sess-1", coretypes.Message{Timestamp: 4, Text: "summary of earlier turns"}, firstID, 500)
	require.NoError(t, err)

	_, err = log.Append("sess-1", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 5, Text: "four"})
	require.NoError(t, err)

	msgs, err := log.Load("sess-1")
	require.NoError(t, err)
	// "one" precedes firstKeptEntryId and is replaced by the summary;
	// "two" and "three" are kept, followed by "four".
	require.Len(t, msgs, 4)
	assert.Equal(t, "summary of earlier turns", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
	assert.Equal(t, "four", msgs[3].Text)
}

func TestLog_SkipsMalformedAndUnknownLines(t *testing.T) {
	dir, err := os.MkdirTemp("", "sessionlog-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	log, err := New(dir)
	require.NoError(t, err)
	_, err = log.Append("sess-1", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 1, Text: "ok"})
	require.NoError(t, err)

	path := sessionFilePath(dir, "sess-1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"future_kind","id":"zzzzzzzz"}` + "\n")
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"message`) // truncated line, no trailing newline
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log2, err := New(dir)
	require.NoError(t, err)
	msgs, err := log2.Load("sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Text)
}

func TestLog_ClearRemovesSession(t *testing.T) {
	log := newTestLog(t)
	_, err := log.Append("sess-1", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 1, Text: "hi"})
	require.NoError(t, err)

	require.NoError(t, log.Clear("sess-1"))

	msgs, err := log.Load("sess-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestLog_ListReturnsSessionKeys(t *testing.T) {
	log := newTestLog(t)
	_, err := log.Append("sess-a", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 1, Text: "hi"})
	require.NoError(t, err)
	_, err = log.Append("sess-b", coretypes.Message{Role: coretypes.RoleUser, Timestamp: 1, Text: "hi"})
	require.NoError(t, err)

	keys, err := log.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, keys)
}
