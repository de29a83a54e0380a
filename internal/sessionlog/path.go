package sessionlog

import (
	"encoding/hex"
	"path/filepath"
)

// encodeSessionKey maps a sessionKey to a filesystem-safe, reversible
// name: hex keeps every byte, including path separators and dots,
// inert, ruling out path traversal regardless of what the caller's key
// looks like.
func encodeSessionKey(sessionKey string) string {
	return hex.EncodeToString([]byte(sessionKey))
}

// decodeSessionKey reverses encodeSessionKey.
func decodeSessionKey(encoded string) (string, error) {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sessionFilePath(baseDir, sessionKey string) string {
	return filepath.Join(baseDir, encodeSessionKey(sessionKey)+".jsonl")
}
