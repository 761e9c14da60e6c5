// Package msync turns batches of raw message groups into ordered, filtered
// results. It is stateless beyond the per-call cutoff and safe for concurrent
// use.
package msync

import (
	"sort"
	"time"

	"whatsapp-webdriver/internal/bridge"
	"whatsapp-webdriver/internal/record"
)

// Window is the maximum lookback the synchronizer will materialize,
// regardless of the requested cutoff. It bounds both remote query cost and
// local memory.
const Window = 7 * 24 * time.Hour

// MessageGroup pairs a chat with its retained messages, ordered by
// non-decreasing timestamp.
type MessageGroup struct {
	Chat     record.Chat
	Messages []record.Message
}

// ClampCutoff returns the effective cutoff for a requested date: never
// earlier than now minus the rolling window. A zero requested time means
// "as far back as allowed".
func ClampCutoff(requested, now time.Time) time.Time {
	floor := now.Add(-Window)
	if requested.Before(floor) {
		return floor
	}
	return requested
}

// Synchronize classifies each raw group's chat envelope and messages,
// retains messages at or after the clamped cutoff, and emits one group per
// chat in the remote-supplied order. Groups left with no messages are still
// emitted: an empty group is informative to callers tracking per-chat sync
// state.
func Synchronize(groups []bridge.RawRecord, requested, now time.Time) []MessageGroup {
	cutoff := ClampCutoff(requested, now)
	out := make([]MessageGroup, 0, len(groups))
	for _, raw := range groups {
		chat := record.ClassifyChat(raw)

		var messages []record.Message
		for _, rawMsg := range raw.Records("messages") {
			if rawMsg.Int64("timestamp") < cutoff.Unix() {
				continue
			}
			messages = append(messages, record.ClassifyMessage(rawMsg))
		}

		// Stable: the remote does not guarantee sub-second resolution, so
		// equal timestamps keep their arrival order.
		sort.SliceStable(messages, func(i, j int) bool {
			return messages[i].Timestamp().Before(messages[j].Timestamp())
		})

		out = append(out, MessageGroup{Chat: chat, Messages: messages})
	}
	return out
}
