package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// DefaultScriptTimeout bounds every remote call so a wedged page fails the
// call instead of hanging the caller.
const DefaultScriptTimeout = 45 * time.Second

// Options configures the browser process backing a ChromeBridge. This is
// startup plumbing only; all session logic lives above the Bridge interface.
type Options struct {
	ProfileDir    string
	Headless      bool
	Proxy         string
	ChromeBinary  string
	ScriptTimeout time.Duration
}

var _ Bridge = (*ChromeBridge)(nil)

// ChromeBridge drives WhatsApp Web in a Chrome instance over the DevTools
// protocol. All data operations evaluate calls against the page-hosted
// window.WAPI surface.
type ChromeBridge struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	timeout     time.Duration
	log         zerolog.Logger
}

// NewChromeBridge launches a browser and attaches a DevTools session to it.
func NewChromeBridge(opts Options, log zerolog.Logger) (*ChromeBridge, error) {
	allocOpts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-session-crashed-bubble", true),
		chromedp.Flag("disable-sync", true),
		chromedp.WindowSize(1366, 768),
	}
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.Proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy))
	}
	if opts.ChromeBinary != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ChromeBinary))
	}
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Headless)
	}

	timeout := opts.ScriptTimeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Force the browser to actually start so a missing binary surfaces here
	// rather than on the first data call.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("bridge: starting browser: %w", err)
	}

	log.Info().Str("profile", opts.ProfileDir).Bool("headless", opts.Headless).
		Msg("browser started")

	return &ChromeBridge{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
		timeout:     timeout,
		log:         log,
	}, nil
}

// awaitPromise makes Evaluate resolve promise results instead of returning
// the pending promise object.
func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// run executes actions against the browser under the script timeout,
// translating deadline expiry into ErrBridgeTimeout.
func (b *ChromeBridge) run(ctx context.Context, actions ...chromedp.Action) error {
	if b.browserCtx == nil || b.browserCtx.Err() != nil {
		return ErrNoSession
	}
	runCtx, cancel := context.WithTimeout(b.browserCtx, b.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		if err != nil && runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", ErrBridgeTimeout, err)
		}
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// call evaluates a WAPI function on the page, awaiting its promise and
// decoding the JSON result into out (which may be nil).
func (b *ChromeBridge) call(ctx context.Context, out any, fn string, args ...any) error {
	encoded := make([]string, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("bridge: encoding argument %d of %s: %w", i, fn, err)
		}
		encoded[i] = string(raw)
	}
	expr := fmt.Sprintf("window.WAPI.%s(%s)", fn, strings.Join(encoded, ", "))
	b.log.Debug().Str("fn", fn).Msg("bridge call")

	target := out
	if target == nil {
		var discard any
		target = &discard
	}
	return b.run(ctx, chromedp.Evaluate(expr, target, awaitPromise))
}

func (b *ChromeBridge) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url))
}

func (b *ChromeBridge) Reload(ctx context.Context) error {
	return b.run(ctx, chromedp.Reload())
}

// SessionID returns the DevTools target id, or "" when the browser is gone.
func (b *ChromeBridge) SessionID() string {
	if b.browserCtx == nil || b.browserCtx.Err() != nil {
		return ""
	}
	c := chromedp.FromContext(b.browserCtx)
	if c == nil || c.Target == nil {
		return ""
	}
	return string(c.Target.TargetID)
}

func (b *ChromeBridge) Close(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		b.allocCancel()
	}
	b.browserCtx = nil
	b.log.Info().Msg("browser released")
	return nil
}

func (b *ChromeBridge) IsLoggedIn(ctx context.Context) (bool, error) {
	var logged bool
	err := b.call(ctx, &logged, "isLoggedIn")
	return logged, err
}

func (b *ChromeBridge) ElementVisible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	expr := fmt.Sprintf(
		"(function(){var e=document.querySelector(%q);return !!(e && e.offsetParent !== null);})()",
		selector)
	err := b.run(ctx, chromedp.Evaluate(expr, &visible))
	return visible, err
}

func (b *ChromeBridge) Click(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (b *ChromeBridge) PageContains(ctx context.Context, text string) (bool, error) {
	var found bool
	expr := fmt.Sprintf("document.documentElement.outerHTML.includes(%q)", text)
	err := b.run(ctx, chromedp.Evaluate(expr, &found))
	return found, err
}

func (b *ChromeBridge) ElementAttribute(ctx context.Context, selector, attribute string) (string, error) {
	var value string
	expr := fmt.Sprintf(
		"(function(){var e=document.querySelector(%q);return e ? (e.getAttribute(%q) || '') : '';})()",
		selector, attribute)
	err := b.run(ctx, chromedp.Evaluate(expr, &value))
	return value, err
}

func (b *ChromeBridge) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	err := b.run(ctx, chromedp.Screenshot(selector, &buf, chromedp.ByQuery, chromedp.NodeVisible))
	return buf, err
}

func (b *ChromeBridge) GetLocalStorage(ctx context.Context) (map[string]string, error) {
	items := map[string]string{}
	err := b.run(ctx, chromedp.Evaluate("Object.assign({}, window.localStorage)", &items))
	return items, err
}

// SetLocalStorage injects items key by key. Keys and values are JSON-encoded
// into the script, so arbitrary text reaches the page byte for byte.
func (b *ChromeBridge) SetLocalStorage(ctx context.Context, items map[string]string) error {
	var sb strings.Builder
	for k, v := range items {
		key, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("bridge: encoding storage key: %w", err)
		}
		val, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("bridge: encoding storage value for %s: %w", k, err)
		}
		fmt.Fprintf(&sb, "window.localStorage.setItem(%s, %s);", key, val)
	}
	var discard any
	return b.run(ctx, chromedp.Evaluate("(function(){"+sb.String()+"})()", &discard))
}

func (b *ChromeBridge) GetAllChats(ctx context.Context) ([]RawRecord, error) {
	var records []RawRecord
	err := b.call(ctx, &records, "getAllChats")
	return records, err
}

func (b *ChromeBridge) GetAllContacts(ctx context.Context) ([]RawRecord, error) {
	var records []RawRecord
	err := b.call(ctx, &records, "getAllContacts")
	return records, err
}

func (b *ChromeBridge) GetContact(ctx context.Context, contactID string) (RawRecord, error) {
	var record RawRecord
	err := b.call(ctx, &record, "getContact", contactID)
	return record, err
}

func (b *ChromeBridge) GetChatByID(ctx context.Context, chatID string) (RawRecord, error) {
	var record RawRecord
	err := b.call(ctx, &record, "getChatById", chatID)
	return record, err
}

func (b *ChromeBridge) GetUnreadMessages(ctx context.Context, includeMe, includeNotifications bool) ([]RawRecord, error) {
	var records []RawRecord
	err := b.call(ctx, &records, "getUnreadMessages", includeMe, includeNotifications)
	return records, err
}

func (b *ChromeBridge) GetUnreadMessagesForChat(ctx context.Context, chatID string, includeMe, includeNotifications bool) ([]RawRecord, error) {
	var records []RawRecord
	err := b.call(ctx, &records, "getUnreadMessagesUsingChatId", chatID, includeMe, includeNotifications)
	return records, err
}

func (b *ChromeBridge) GetAllMessagesInChat(ctx context.Context, chatID string, includeMe, includeNotifications bool) ([]RawRecord, error) {
	var records []RawRecord
	err := b.call(ctx, &records, "getAllMessagesInChat", chatID, includeMe, includeNotifications)
	return records, err
}

func (b *ChromeBridge) LoadEarlierMessagesUntilDate(ctx context.Context, until time.Time) error {
	return b.call(ctx, nil, "loadEarlierMessagesTillDateAllChats", until.Unix())
}

func (b *ChromeBridge) GetAllLatestMessages(ctx context.Context, includeMe, includeNotifications bool) ([]RawRecord, error) {
	var records []RawRecord
	err := b.call(ctx, &records, "getAllLatestMessages", includeMe, includeNotifications)
	return records, err
}

func (b *ChromeBridge) GetGroupParticipantIDs(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := b.call(ctx, &ids, "getGroupParticipantIDs", groupID)
	return ids, err
}

// DownloadBlob fetches url inside the page and returns the decoded bytes.
// The in-page fetch rejects on a non-success response, so a partial body is
// never returned.
func (b *ChromeBridge) DownloadBlob(ctx context.Context, url string) ([]byte, error) {
	expr := fmt.Sprintf(`fetch(%q).then(function(r){
		if (!r.ok) { throw new Error("blob fetch failed: " + r.status); }
		return r.blob();
	}).then(function(blob){
		return new Promise(function(resolve, reject){
			var reader = new FileReader();
			reader.onloadend = function(){ resolve(reader.result.split(",")[1]); };
			reader.onerror = reject;
			reader.readAsDataURL(blob);
		});
	})`, url)
	var encoded string
	err := b.run(ctx, chromedp.Evaluate(expr, &encoded, awaitPromise))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (b *ChromeBridge) SendMessage(ctx context.Context, chatID, text string) (RawRecord, error) {
	var record RawRecord
	err := b.call(ctx, &record, "sendMessage", chatID, text)
	return record, err
}

func (b *ChromeBridge) SendSeen(ctx context.Context, chatID string) error {
	return b.call(ctx, nil, "sendSeen", chatID)
}

// PageScreenshot captures the full viewport, mainly for diagnostics.
func (b *ChromeBridge) PageScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().Do(ctx)
		return err
	}))
	return buf, err
}
