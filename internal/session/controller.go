// Package session owns the authentication state machine, the QR pairing
// flow, and credential persistence across restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"
)

// State is the session's position in the connection/auth lifecycle.
type State string

const (
	StateUnknown      State = "Unknown"
	StateNoDriver     State = "NoDriver"
	StateNotConnected State = "NotConnected"
	StateNotLoggedIn  State = "NotLoggedIn"
	StateLoggedIn     State = "LoggedIn"
)

var (
	// ErrNoDriver is returned when an operation needs a browser session
	// that is absent or already released.
	ErrNoDriver = errors.New("session: no driver attached")
	// ErrLoginTimeout is returned when the main shell does not appear
	// within the wait deadline.
	ErrLoginTimeout = errors.New("session: login wait timed out")
	// ErrProfilePersistence is returned when persisting the profile would
	// have produced an empty copy.
	ErrProfilePersistence = errors.New("session: profile persistence failed")
)

// DefaultLoginWait applies when the caller passes a zero timeout.
const DefaultLoginWait = 90 * time.Second

// Endpoint is the remote messaging surface.
const Endpoint = "https://web.whatsapp.com"

// Page markers. The main-shell and QR markers are mutually exclusive; their
// visibility decides the auth state.
const (
	selMainShell  = ".app.two"
	selQRWrap     = "div[data-ref]"
	selQRImage    = "canvas"
	qrStalePrompt = "Click to reload QR code"
)

// probeBridge is the slice of the Bridge the controller drives.
type probeBridge interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	SessionID() string
	ElementVisible(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	PageContains(ctx context.Context, text string) (bool, error)
	ElementAttribute(ctx context.Context, selector, attribute string) (string, error)
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)
	GetLocalStorage(ctx context.Context) (map[string]string, error)
	SetLocalStorage(ctx context.Context, items map[string]string) error
}

// QRArtifact is a rendered pairing code. Token is the page-issued reference
// used to detect staleness; a fresh page code supersedes the artifact.
type QRArtifact struct {
	Path  string
	Token string
}

// Config locates the durable session material.
type Config struct {
	// LiveProfileDir is the browser's working profile.
	LiveProfileDir string
	// PersistDir is the permanent home of the saved profile and snapshot.
	PersistDir string
	// EchoQRToTerminal renders pairing codes to stdout as well.
	EchoQRToTerminal bool
}

// Controller owns one session. Session-affecting operations (Connect,
// SaveSession, QR reloads) must be driven by a single logical caller;
// Status is safe to call from anywhere.
type Controller struct {
	bridge probeBridge
	cfg    Config
	log    zerolog.Logger

	lastQR *QRArtifact
}

// NewController attaches a controller to a live bridge. The session starts
// in NoDriver until the bridge reports a driver session.
func NewController(b probeBridge, cfg Config, log zerolog.Logger) *Controller {
	return &Controller{bridge: b, cfg: cfg, log: log}
}

// Release detaches the bridge. Every later session operation fails fast
// with ErrNoDriver.
func (c *Controller) Release() {
	c.bridge = nil
	c.lastQR = nil
}

// SnapshotPath is where the localStorage snapshot lives for this session.
func (c *Controller) SnapshotPath() string {
	return filepath.Join(c.cfg.PersistDir, SnapshotFile)
}

// Status probes the page markers and reports the session state. It is a
// pure read: probe failures count as "marker absent" and are never
// propagated, since probing is advisory.
func (c *Controller) Status(ctx context.Context) State {
	if c.bridge == nil {
		return StateNoDriver
	}
	if c.bridge.SessionID() == "" {
		return StateNotConnected
	}
	if visible, err := c.bridge.ElementVisible(ctx, selMainShell); err == nil && visible {
		return StateLoggedIn
	}
	if visible, err := c.bridge.ElementVisible(ctx, selQRWrap); err == nil && visible {
		return StateNotLoggedIn
	}
	return StateUnknown
}

// Connect navigates to the endpoint and, when a persisted snapshot exists,
// injects it into the page's storage and reloads so the page resumes the
// prior session instead of presenting a QR code.
func (c *Controller) Connect(ctx context.Context) error {
	if c.bridge == nil {
		return ErrNoDriver
	}
	if err := c.bridge.Navigate(ctx, Endpoint); err != nil {
		return fmt.Errorf("session: navigating to endpoint: %w", err)
	}

	snap, err := ReadSnapshot(c.SnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		c.log.Info().Msg("no persisted session, QR pairing required")
		return nil
	}
	if err != nil {
		return err
	}

	c.log.Info().Int("keys", len(snap)).Msg("restoring persisted session")
	if err := c.bridge.SetLocalStorage(ctx, snap.Unescape()); err != nil {
		return fmt.Errorf("session: injecting storage snapshot: %w", err)
	}
	// The page only picks up restored storage on a fresh load.
	if err := c.bridge.Reload(ctx); err != nil {
		return fmt.Errorf("session: reloading after restore: %w", err)
	}
	return nil
}

// WaitForLogin blocks until the main shell becomes visible or the timeout
// elapses. On timeout it returns ErrLoginTimeout promptly and the state
// remains NotLoggedIn.
func (c *Controller) WaitForLogin(ctx context.Context, timeout time.Duration) error {
	if c.bridge == nil {
		return ErrNoDriver
	}
	if timeout <= 0 {
		timeout = DefaultLoginWait
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if visible, err := c.bridge.ElementVisible(ctx, selMainShell); err == nil && visible {
			c.lastQR = nil // superseded the instant login succeeds
			c.log.Info().Msg("logged in")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrLoginTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PairingCode returns the current QR artifact, rendering it to path (or a
// generated temporary path when empty). A stale-code prompt is clicked
// through first. While the page shows the same code, repeated calls return
// the same artifact. After login this is a no-op returning an empty
// artifact.
func (c *Controller) PairingCode(ctx context.Context, path string) (QRArtifact, error) {
	if c.bridge == nil {
		return QRArtifact{}, ErrNoDriver
	}
	if c.Status(ctx) == StateLoggedIn {
		return QRArtifact{}, nil
	}

	if stale, err := c.bridge.PageContains(ctx, qrStalePrompt); err == nil && stale {
		c.log.Info().Msg("pairing code went stale, requesting a fresh one")
		if err := c.InvalidateCode(ctx); err != nil {
			return QRArtifact{}, err
		}
	}

	token, err := c.bridge.ElementAttribute(ctx, selQRWrap, "data-ref")
	if err != nil {
		return QRArtifact{}, fmt.Errorf("session: reading pairing token: %w", err)
	}

	// Same code, same artifact: no spurious regeneration.
	if c.lastQR != nil && token != "" && token == c.lastQR.Token {
		if _, err := os.Stat(c.lastQR.Path); err == nil {
			return *c.lastQR, nil
		}
	}

	if path == "" {
		path = filepath.Join(os.TempDir(), "wadriver-qr-"+uuid.NewString()+".png")
	}

	if token != "" {
		if err := qrcode.WriteFile(token, qrcode.Medium, 256, path); err != nil {
			return QRArtifact{}, fmt.Errorf("session: rendering pairing code: %w", err)
		}
		if c.cfg.EchoQRToTerminal {
			fmt.Println("\nScan this QR code with your WhatsApp app:")
			qrterminal.GenerateHalfBlock(token, qrterminal.L, os.Stdout)
		}
	} else {
		// No token attribute on this page build; fall back to capturing
		// the rendered element.
		img, err := c.bridge.ElementScreenshot(ctx, selQRImage)
		if err != nil {
			return QRArtifact{}, fmt.Errorf("session: capturing pairing code: %w", err)
		}
		if err := os.WriteFile(path, img, 0600); err != nil {
			return QRArtifact{}, fmt.Errorf("session: writing pairing code image: %w", err)
		}
	}

	artifact := QRArtifact{Path: path, Token: token}
	c.lastQR = &artifact
	c.log.Info().Str("path", path).Msg("pairing code rendered")
	return artifact, nil
}

// InvalidateCode clicks the regenerate affordance. Post-login it is a no-op.
func (c *Controller) InvalidateCode(ctx context.Context) error {
	if c.bridge == nil {
		return ErrNoDriver
	}
	if c.Status(ctx) == StateLoggedIn {
		return nil
	}
	if err := c.bridge.Click(ctx, selQRWrap); err != nil {
		return fmt.Errorf("session: reloading pairing code: %w", err)
	}
	c.lastQR = nil
	return nil
}

// SaveSession persists the durable browser profile to the permanent
// location and writes the localStorage snapshot beside it. With replace set
// the profile swap is atomic via a temp directory. An empty profile copy is
// ErrProfilePersistence, never a silent success.
func (c *Controller) SaveSession(ctx context.Context, replace bool) error {
	if c.bridge == nil {
		return ErrNoDriver
	}
	c.log.Info().Str("from", c.cfg.LiveProfileDir).Str("to", c.cfg.PersistDir).
		Msg("saving session profile")

	if err := os.MkdirAll(filepath.Dir(c.cfg.PersistDir), 0755); err != nil {
		return fmt.Errorf("session: preparing persist dir: %w", err)
	}
	if err := persistProfile(c.cfg.LiveProfileDir, c.cfg.PersistDir, replace); err != nil {
		return err
	}

	raw, err := c.bridge.GetLocalStorage(ctx)
	if err != nil {
		return fmt.Errorf("session: reading page storage: %w", err)
	}
	return WriteSnapshot(c.SnapshotPath(), CaptureSnapshot(raw))
}
