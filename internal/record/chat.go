// Package record classifies raw bridge records into typed chat and message
// variants. Classification is total: unrecognized shapes degrade to generic
// variants instead of failing, since the remote surface evolves on its own
// schedule.
package record

import (
	"strings"
	"time"

	"whatsapp-webdriver/internal/bridge"
)

// ChatKind discriminates the chat variants.
type ChatKind string

const (
	ChatUser      ChatKind = "user"
	ChatGroup     ChatKind = "group"
	ChatBroadcast ChatKind = "broadcast"
	ChatGeneric   ChatKind = "generic"
)

// Chat is the capability set every chat variant provides.
type Chat interface {
	ID() string
	Name() string
	Kind() ChatKind
}

// chatBase carries the fields shared by all chat variants.
type chatBase struct {
	id   string
	name string
}

func (c chatBase) ID() string   { return c.id }
func (c chatBase) Name() string { return c.name }

// UserChat is a one-on-one conversation with a contact.
type UserChat struct{ chatBase }

func (UserChat) Kind() ChatKind { return ChatUser }

// GroupChat is a multi-participant conversation.
type GroupChat struct{ chatBase }

func (GroupChat) Kind() ChatKind { return ChatGroup }

// BroadcastChat is a broadcast list, including the status feed.
type BroadcastChat struct{ chatBase }

func (BroadcastChat) Kind() ChatKind { return ChatBroadcast }

// GenericChat is the fallback for id shapes this client does not recognize.
type GenericChat struct{ chatBase }

func (GenericChat) Kind() ChatKind { return ChatGeneric }

// ClassifyChat maps a raw record onto exactly one chat variant by the shape
// of its id. It never fails.
func ClassifyChat(r bridge.RawRecord) Chat {
	id := r.String("id")
	base := chatBase{id: id, name: chatName(r)}
	switch {
	case strings.HasSuffix(id, "@c.us"), strings.HasSuffix(id, "@s.whatsapp.net"):
		return UserChat{base}
	case strings.HasSuffix(id, "@g.us"):
		return GroupChat{base}
	case strings.HasSuffix(id, "@broadcast"):
		return BroadcastChat{base}
	default:
		return GenericChat{base}
	}
}

func chatName(r bridge.RawRecord) string {
	for _, key := range []string{"name", "formattedTitle", "pushname"} {
		if n := r.String(key); n != "" {
			return n
		}
	}
	return ""
}

// Contact is an address-book entry. Contacts have no variant split; they are
// a single shape with optional display names.
type Contact struct {
	ID          string
	Name        string
	PushName    string
	IsMyContact bool
}

// ClassifyContact maps a raw contact record. Like chats, it never fails.
func ClassifyContact(r bridge.RawRecord) Contact {
	return Contact{
		ID:          r.String("id"),
		Name:        r.String("name"),
		PushName:    r.String("pushname"),
		IsMyContact: r.Bool("isMyContact"),
	}
}

// unixTime converts the record's seconds-resolution timestamp field.
func unixTime(r bridge.RawRecord) time.Time {
	return time.Unix(r.Int64("timestamp"), 0)
}
