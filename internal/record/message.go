package record

import (
	"time"

	"whatsapp-webdriver/internal/bridge"
)

// Message is the capability set every message variant provides.
type Message interface {
	ID() string
	Timestamp() time.Time
	SenderID() string
	ChatID() string
	FromMe() bool
}

// msgBase carries identity, time, and membership shared by all variants.
type msgBase struct {
	id        string
	timestamp time.Time
	senderID  string
	chatID    string
	fromMe    bool
}

func (m msgBase) ID() string           { return m.id }
func (m msgBase) Timestamp() time.Time { return m.timestamp }
func (m msgBase) SenderID() string     { return m.senderID }
func (m msgBase) ChatID() string       { return m.chatID }
func (m msgBase) FromMe() bool         { return m.fromMe }

// TextMessage is a plain chat message.
type TextMessage struct {
	msgBase
	Text string
}

// MediaKeyMaterial is the secret material needed to decrypt a downloadable
// media blob. Immutable once the message is classified.
type MediaKeyMaterial struct {
	// MediaKey is the 32-byte shared secret carried on the message.
	MediaKey []byte
	// TypeSelector picks which fixed app-info constant the key derivation
	// uses (the message's media type).
	TypeSelector string
}

// MediaMessage references a downloadable encrypted blob. Preview holds the
// decoded inline low-resolution body when the remote supplied one; nil
// otherwise (checked by presence, never by failure).
type MediaMessage struct {
	msgBase
	MediaType string
	MimeType  string
	Caption   string
	ClientURL string
	Size      int64
	Keys      MediaKeyMaterial
	Preview   []byte
}

// HasPreview reports whether an inline preview body was supplied.
func (m MediaMessage) HasPreview() bool { return len(m.Preview) > 0 }

// ContactCardMessage carries one or more shared vCards.
type ContactCardMessage struct {
	msgBase
	Cards []string
}

// LocationMessage carries a shared position.
type LocationMessage struct {
	msgBase
	Latitude  float64
	Longitude float64
}

// SystemMessage is a chat event (member add, e2e notice, call log) rather
// than user content.
type SystemMessage struct {
	msgBase
	Subtype string
}

// UnknownMessage preserves the raw payload of a type this client does not
// recognize, for forward compatibility.
type UnknownMessage struct {
	msgBase
	Type string
	Raw  bridge.RawRecord
}

// mediaTypes are the discriminator values that reference an encrypted blob.
var mediaTypes = map[string]bool{
	"image":    true,
	"video":    true,
	"audio":    true,
	"ptt":      true,
	"document": true,
	"sticker":  true,
}

// systemTypes are notification-style discriminators.
var systemTypes = map[string]bool{
	"e2e_notification":      true,
	"gp2":                   true,
	"notification":          true,
	"notification_template": true,
	"call_log":              true,
}

// ClassifyMessage maps a raw record onto exactly one message variant by its
// type discriminator. Unknown types fall back to UnknownMessage; it never
// fails.
func ClassifyMessage(r bridge.RawRecord) Message {
	base := msgBase{
		id:        r.String("id"),
		timestamp: unixTime(r),
		senderID:  senderID(r),
		chatID:    r.String("chatId"),
		fromMe:    fromMe(r),
	}

	msgType := r.String("type")
	switch {
	case msgType == "chat" || msgType == "text":
		return TextMessage{msgBase: base, Text: r.String("body")}

	case mediaTypes[msgType]:
		return MediaMessage{
			msgBase:   base,
			MediaType: msgType,
			MimeType:  r.String("mimetype"),
			Caption:   r.String("caption"),
			ClientURL: r.String("clientUrl"),
			Size:      r.Int64("size"),
			Keys: MediaKeyMaterial{
				MediaKey:     r.Bytes("mediaKey"),
				TypeSelector: msgType,
			},
			Preview: r.Bytes("body"),
		}

	case msgType == "vcard":
		return ContactCardMessage{msgBase: base, Cards: []string{r.String("body")}}

	case msgType == "multi_vcard":
		cards := make([]string, 0)
		for _, c := range r.Records("vcardList") {
			cards = append(cards, c.String("vcard"))
		}
		return ContactCardMessage{msgBase: base, Cards: cards}

	case msgType == "location":
		return LocationMessage{
			msgBase:   base,
			Latitude:  floatField(r, "lat"),
			Longitude: floatField(r, "lng"),
		}

	case systemTypes[msgType]:
		return SystemMessage{msgBase: base, Subtype: r.String("subtype")}

	default:
		return UnknownMessage{msgBase: base, Type: msgType, Raw: r}
	}
}

func fromMe(r bridge.RawRecord) bool {
	if r.Has("fromMe") {
		return r.Bool("fromMe")
	}
	// Some record shapes carry the flag on the nested sender object instead.
	if obj, ok := r["sender"].(map[string]any); ok {
		return bridge.RawRecord(obj).Bool("isMe")
	}
	return false
}

func senderID(r bridge.RawRecord) string {
	if s := r.String("sender"); s != "" {
		return s
	}
	// Some record shapes nest the sender as an object with its own id.
	if obj, ok := r["sender"].(map[string]any); ok {
		return bridge.RawRecord(obj).String("id")
	}
	return r.String("from")
}

func floatField(r bridge.RawRecord, key string) float64 {
	f, _ := r[key].(float64)
	return f
}
