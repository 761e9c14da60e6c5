package session

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// SnapshotFile is the fixed filename written beside the persisted profile.
const SnapshotFile = "localStorage.json"

// Snapshot is a copy of the remote page's client-side storage. Every value
// is stored as a 7-bit-safe escaped string so the file on disk carries only
// ASCII; Unescape restores the original values before injection.
type Snapshot map[string]string

// CaptureSnapshot escapes a raw key/value mapping read from the page.
func CaptureSnapshot(raw map[string]string) Snapshot {
	snap := make(Snapshot, len(raw))
	for k, v := range raw {
		snap[k] = escape(v)
	}
	return snap
}

// Unescape restores the original mapping from an escaped snapshot. Values
// that fail to parse are kept verbatim rather than dropped.
func (s Snapshot) Unescape() map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		if u, err := strconv.Unquote(`"` + v + `"`); err == nil {
			out[k] = u
		} else {
			out[k] = v
		}
	}
	return out
}

// escape produces the ASCII-only interior of a quoted string: non-ASCII and
// control characters become \u/\x escapes, backslashes and quotes are
// escaped, everything printable passes through.
func escape(v string) string {
	quoted := strconv.QuoteToASCII(v)
	return quoted[1 : len(quoted)-1]
}

// WriteSnapshot writes the snapshot as a JSON object to path.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encoding snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("session: writing snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot. The values come
// back still escaped; callers Unescape before handing them to the page.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: decoding snapshot %s: %w", path, err)
	}
	return snap, nil
}
