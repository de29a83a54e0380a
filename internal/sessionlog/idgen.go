package sessionlog

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// newEntryID returns an 8-char unique id, unique within a single
// session file: low bits of a fresh ulid give ample entropy for that
// scope without the verbosity of a full ulid string.
func newEntryID() string {
	id := ulid.Make().String()
	return strings.ToLower(id[len(id)-8:])
}
