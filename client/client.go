// Package client composes the session controller, the synchronizer, and the
// media pipeline into the public operation set of the driver.
package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-webdriver/internal/bridge"
	"whatsapp-webdriver/internal/media"
	"whatsapp-webdriver/internal/msync"
	"whatsapp-webdriver/internal/record"
	"whatsapp-webdriver/internal/session"
	"whatsapp-webdriver/internal/store"
)

var (
	// ErrChatNotFound distinguishes a missing chat id from an empty result.
	ErrChatNotFound = errors.New("client: chat not found")
	// ErrContactNotFound distinguishes a missing contact id from an empty
	// result.
	ErrContactNotFound = errors.New("client: contact not found")
)

// Config bundles everything the client needs to run.
type Config struct {
	// LiveProfileDir is the browser's working profile directory.
	LiveProfileDir string
	// PersistDir is where SaveSession keeps the durable profile copy and
	// the storage snapshot.
	PersistDir string
	// StoreDir holds the local message history database.
	StoreDir string

	Headless     bool
	Proxy        string
	ChromeBinary string

	// EchoQRToTerminal also renders pairing codes to stdout.
	EchoQRToTerminal bool
}

// UnreadOptions parameterizes an unread fetch.
type UnreadOptions struct {
	IncludeMe            bool
	IncludeNotifications bool
	// Window limits how far back messages are retained. Zero means the
	// maximum rolling window; larger values are clamped to it.
	Window time.Duration
	// ChatID restricts the fetch to one chat when non-empty.
	ChatID string
}

// Client is the façade over the browser-hosted messaging surface. Session-
// affecting operations must be driven by one logical caller at a time;
// read operations and the media pipeline are safe to call concurrently.
type Client struct {
	bridge  bridge.Bridge
	session *session.Controller
	history *store.History
	log     zerolog.Logger
}

// New assembles a client over an already-running bridge. history may be nil
// to disable local mirroring.
func New(b bridge.Bridge, history *store.History, cfg Config, log zerolog.Logger) *Client {
	controller := session.NewController(b, session.Config{
		LiveProfileDir:   cfg.LiveProfileDir,
		PersistDir:       cfg.PersistDir,
		EchoQRToTerminal: cfg.EchoQRToTerminal,
	}, log.With().Str("component", "session").Logger())

	return &Client{
		bridge:  b,
		session: controller,
		history: history,
		log:     log,
	}
}

// Launch starts a browser, opens the history store, and assembles a client
// around them.
func Launch(cfg Config, log zerolog.Logger) (*Client, error) {
	b, err := bridge.NewChromeBridge(bridge.Options{
		ProfileDir:   cfg.LiveProfileDir,
		Headless:     cfg.Headless,
		Proxy:        cfg.Proxy,
		ChromeBinary: cfg.ChromeBinary,
	}, log.With().Str("component", "bridge").Logger())
	if err != nil {
		return nil, err
	}

	var history *store.History
	if cfg.StoreDir != "" {
		history, err = store.Open(cfg.StoreDir)
		if err != nil {
			b.Close(context.Background())
			return nil, err
		}
	}

	return New(b, history, cfg, log), nil
}

// Connect navigates to the endpoint, restoring a persisted session when one
// exists.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Status reports the current session state. Never blocks, never errors.
func (c *Client) Status(ctx context.Context) session.State {
	return c.session.Status(ctx)
}

// IsLoggedIn asks the page directly whether the session is authenticated.
// Unlike Status it can be used where a hard answer (and a hard error) is
// wanted instead of an advisory probe.
func (c *Client) IsLoggedIn(ctx context.Context) (bool, error) {
	if c.bridge == nil {
		return false, session.ErrNoDriver
	}
	return c.bridge.IsLoggedIn(ctx)
}

// WaitForLogin blocks until login or timeout (zero means the default).
func (c *Client) WaitForLogin(ctx context.Context, timeout time.Duration) error {
	return c.session.WaitForLogin(ctx, timeout)
}

// PairingCode renders the current QR code to path (or a generated temp
// path) and returns where it was written.
func (c *Client) PairingCode(ctx context.Context, path string) (string, error) {
	artifact, err := c.session.PairingCode(ctx, path)
	return artifact.Path, err
}

// InvalidatePairingCode forces the page to issue a fresh code.
func (c *Client) InvalidatePairingCode(ctx context.Context) error {
	return c.session.InvalidateCode(ctx)
}

// SaveSession persists the profile and storage snapshot for later restores.
func (c *Client) SaveSession(ctx context.Context, replaceExisting bool) error {
	return c.session.SaveSession(ctx, replaceExisting)
}

// Unread fetches unread messages grouped by chat, filtered to the window
// and ordered by timestamp.
func (c *Client) Unread(ctx context.Context, opts UnreadOptions) ([]msync.MessageGroup, error) {
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}

	var raw []bridge.RawRecord
	var err error
	if opts.ChatID != "" {
		raw, err = c.bridge.GetUnreadMessagesForChat(ctx, opts.ChatID, opts.IncludeMe, opts.IncludeNotifications)
	} else {
		raw, err = c.bridge.GetUnreadMessages(ctx, opts.IncludeMe, opts.IncludeNotifications)
	}
	if err != nil {
		return nil, fmt.Errorf("client: fetching unread: %w", err)
	}

	now := time.Now()
	requested := time.Time{}
	if opts.Window > 0 {
		requested = now.Add(-opts.Window)
	}
	groups := msync.Synchronize(raw, requested, now)
	if err := c.mirror(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// MessagesUntil fetches messages across all chats back to date (clamped to
// the rolling window; zero means the full window). The bridge only returns
// records already materialized in the page, so history is loaded first and
// the snapshot fetched after.
func (c *Client) MessagesUntil(ctx context.Context, date time.Time, includeMe, includeNotifications bool) ([]msync.MessageGroup, error) {
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}

	now := time.Now()
	cutoff := msync.ClampCutoff(date, now)

	if err := c.bridge.LoadEarlierMessagesUntilDate(ctx, cutoff); err != nil {
		return nil, fmt.Errorf("client: loading history: %w", err)
	}
	raw, err := c.bridge.GetAllLatestMessages(ctx, includeMe, includeNotifications)
	if err != nil {
		return nil, fmt.Errorf("client: fetching messages: %w", err)
	}

	groups := msync.Synchronize(raw, cutoff, now)
	if err := c.mirror(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// MessagesInChat fetches every message currently materialized for one chat,
// classified but otherwise unfiltered.
func (c *Client) MessagesInChat(ctx context.Context, chatID string, includeMe, includeNotifications bool) ([]record.Message, error) {
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}
	raw, err := c.bridge.GetAllMessagesInChat(ctx, chatID, includeMe, includeNotifications)
	if err != nil {
		return nil, fmt.Errorf("client: fetching chat messages: %w", err)
	}
	messages := make([]record.Message, len(raw))
	for i, r := range raw {
		messages[i] = record.ClassifyMessage(r)
	}
	return messages, nil
}

// mirror writes a synchronization result to the local history, when one is
// configured. All-or-nothing: a store failure fails the call.
func (c *Client) mirror(groups []msync.MessageGroup) error {
	if c.history == nil {
		return nil
	}
	if err := c.history.RecordGroups(groups); err != nil {
		return fmt.Errorf("client: mirroring history: %w", err)
	}
	return nil
}

// History exposes the local message history, or nil when disabled.
func (c *Client) History() *store.History {
	return c.history
}

// DownloadMedia returns the decrypted bytes of a media message. With
// preferPreview set and an inline preview present, the preview is returned
// without touching the network.
func (c *Client) DownloadMedia(ctx context.Context, msg record.MediaMessage, preferPreview bool) ([]byte, error) {
	if preferPreview && msg.HasPreview() {
		return msg.Preview, nil
	}
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}
	return media.Download(ctx, c.bridge, msg.ClientURL, msg.Keys.MediaKey, msg.Keys.TypeSelector)
}

// Chats fetches and classifies all chats.
func (c *Client) Chats(ctx context.Context) ([]record.Chat, error) {
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}
	raw, err := c.bridge.GetAllChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: fetching chats: %w", err)
	}
	chats := make([]record.Chat, len(raw))
	for i, r := range raw {
		chats[i] = record.ClassifyChat(r)
	}
	return chats, nil
}

// Contacts fetches the address book.
func (c *Client) Contacts(ctx context.Context) ([]record.Contact, error) {
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}
	raw, err := c.bridge.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: fetching contacts: %w", err)
	}
	contacts := make([]record.Contact, len(raw))
	for i, r := range raw {
		contacts[i] = record.ClassifyContact(r)
	}
	return contacts, nil
}

// ChatByID looks up one chat. A missing id is ErrChatNotFound, not an empty
// success.
func (c *Client) ChatByID(ctx context.Context, chatID string) (record.Chat, error) {
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}
	raw, err := c.bridge.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("client: looking up chat: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return record.ClassifyChat(raw), nil
}

// ContactByID looks up one contact. A missing id is ErrContactNotFound.
func (c *Client) ContactByID(ctx context.Context, contactID string) (record.Contact, error) {
	if c.bridge == nil {
		return record.Contact{}, session.ErrNoDriver
	}
	raw, err := c.bridge.GetContact(ctx, contactID)
	if err != nil {
		return record.Contact{}, fmt.Errorf("client: looking up contact: %w", err)
	}
	if len(raw) == 0 {
		return record.Contact{}, fmt.Errorf("%w: %s", ErrContactNotFound, contactID)
	}
	return record.ClassifyContact(raw), nil
}

// ChatByPhone finds the user chat whose id contains the given phone number
// (digits as they appear in the id, no leading plus).
func (c *Client) ChatByPhone(ctx context.Context, number string) (record.Chat, error) {
	chats, err := c.Chats(ctx)
	if err != nil {
		return nil, err
	}
	number = strings.TrimPrefix(number, "+")
	for _, chat := range chats {
		if chat.Kind() != record.ChatUser {
			continue
		}
		if strings.Contains(chat.ID(), number) {
			return chat, nil
		}
	}
	return nil, fmt.Errorf("%w: phone %s", ErrChatNotFound, number)
}

// GroupParticipants returns a restartable lazy sequence over a group's
// members. Each element costs one bridge round-trip, so callers that stop
// early never pay for the rest; re-ranging restarts from a fresh id fetch.
func (c *Client) GroupParticipants(ctx context.Context, groupID string) iter.Seq2[record.Contact, error] {
	return func(yield func(record.Contact, error) bool) {
		if c.bridge == nil {
			yield(record.Contact{}, session.ErrNoDriver)
			return
		}
		ids, err := c.bridge.GetGroupParticipantIDs(ctx, groupID)
		if err != nil {
			yield(record.Contact{}, fmt.Errorf("client: fetching participant ids: %w", err))
			return
		}
		for _, id := range ids {
			contact, err := c.ContactByID(ctx, id)
			if !yield(contact, err) {
				return
			}
		}
	}
}

// SendMessage forwards a text message to the bridge.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (record.Message, error) {
	if c.bridge == nil {
		return nil, session.ErrNoDriver
	}
	raw, err := c.bridge.SendMessage(ctx, chatID, text)
	if err != nil {
		return nil, fmt.Errorf("client: sending message: %w", err)
	}
	if len(raw) == 0 {
		// The page accepted the send but returned no echo. Hand back an
		// empty unknown variant so callers always get a non-nil message.
		return record.ClassifyMessage(bridge.RawRecord{"chatId": chatID}), nil
	}
	return record.ClassifyMessage(raw), nil
}

// SendSeen marks a chat as read.
func (c *Client) SendSeen(ctx context.Context, chatID string) error {
	if c.bridge == nil {
		return session.ErrNoDriver
	}
	return c.bridge.SendSeen(ctx, chatID)
}

// Shutdown releases the driver session and the history store. After
// shutdown every operation fails fast with the no-driver error.
func (c *Client) Shutdown(ctx context.Context) error {
	c.session.Release()
	var err error
	if c.bridge != nil {
		err = c.bridge.Close(ctx)
		c.bridge = nil
	}
	if c.history != nil {
		if cerr := c.history.Close(); err == nil {
			err = cerr
		}
		c.history = nil
	}
	c.log.Info().Msg("client shut down")
	return err
}
