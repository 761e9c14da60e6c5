// Package bridge defines the remote-procedure surface exposed by the
// browser-hosted WhatsApp Web API and the raw record shape it returns.
package bridge

import (
	"context"
	"errors"
	"time"
)

// ErrBridgeTimeout is returned when a remote call exceeds the script
// execution ceiling instead of hanging the caller.
var ErrBridgeTimeout = errors.New("bridge: remote call timed out")

// ErrNoSession is returned when the underlying driver session is gone
// (browser crashed or was never started).
var ErrNoSession = errors.New("bridge: no driver session")

// Bridge is the synchronous remote-procedure surface hosted by the page.
// Every call blocks until the remote returns or the context expires; nothing
// is assumed about the page's internals beyond these signatures.
type Bridge interface {
	// Navigation and driver state.
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	SessionID() string
	Close(ctx context.Context) error

	// Page probes used by the session state machine. Probe failures are
	// reported as errors; callers decide whether to swallow them.
	IsLoggedIn(ctx context.Context) (bool, error)
	ElementVisible(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	PageContains(ctx context.Context, text string) (bool, error)
	ElementAttribute(ctx context.Context, selector, attribute string) (string, error)
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)

	// Client-side storage of the remote page.
	GetLocalStorage(ctx context.Context) (map[string]string, error)
	SetLocalStorage(ctx context.Context, items map[string]string) error

	// Data operations. All return raw, untyped records.
	GetAllChats(ctx context.Context) ([]RawRecord, error)
	GetAllContacts(ctx context.Context) ([]RawRecord, error)
	GetContact(ctx context.Context, contactID string) (RawRecord, error)
	GetChatByID(ctx context.Context, chatID string) (RawRecord, error)
	GetUnreadMessages(ctx context.Context, includeMe, includeNotifications bool) ([]RawRecord, error)
	GetUnreadMessagesForChat(ctx context.Context, chatID string, includeMe, includeNotifications bool) ([]RawRecord, error)
	GetAllMessagesInChat(ctx context.Context, chatID string, includeMe, includeNotifications bool) ([]RawRecord, error)
	LoadEarlierMessagesUntilDate(ctx context.Context, until time.Time) error
	GetAllLatestMessages(ctx context.Context, includeMe, includeNotifications bool) ([]RawRecord, error)
	GetGroupParticipantIDs(ctx context.Context, groupID string) ([]string, error)

	// Media and passthroughs.
	DownloadBlob(ctx context.Context, url string) ([]byte, error)
	SendMessage(ctx context.Context, chatID, text string) (RawRecord, error)
	SendSeen(ctx context.Context, chatID string) error
}
