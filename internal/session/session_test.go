package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge simulates the page for controller tests.
type fakeBridge struct {
	sessionID     string
	mainVisible   bool
	qrVisible     bool
	qrToken       string
	staleQR       bool
	probeErr      error
	storage       map[string]string
	injected      map[string]string
	navigated     []string
	reloads       int
	clicks        []string
	screenshotPNG []byte
}

func (f *fakeBridge) Navigate(ctx context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	return nil
}
func (f *fakeBridge) Reload(ctx context.Context) error { f.reloads++; return nil }
func (f *fakeBridge) SessionID() string                { return f.sessionID }
func (f *fakeBridge) ElementVisible(ctx context.Context, selector string) (bool, error) {
	if f.probeErr != nil {
		return false, f.probeErr
	}
	switch selector {
	case selMainShell:
		return f.mainVisible, nil
	case selQRWrap:
		return f.qrVisible, nil
	}
	return false, nil
}
func (f *fakeBridge) Click(ctx context.Context, selector string) error {
	f.clicks = append(f.clicks, selector)
	f.staleQR = false
	return nil
}
func (f *fakeBridge) PageContains(ctx context.Context, text string) (bool, error) {
	return f.staleQR, nil
}
func (f *fakeBridge) ElementAttribute(ctx context.Context, selector, attribute string) (string, error) {
	return f.qrToken, nil
}
func (f *fakeBridge) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	return f.screenshotPNG, nil
}
func (f *fakeBridge) GetLocalStorage(ctx context.Context) (map[string]string, error) {
	return f.storage, nil
}
func (f *fakeBridge) SetLocalStorage(ctx context.Context, items map[string]string) error {
	f.injected = items
	return nil
}

func newTestController(t *testing.T, f *fakeBridge) *Controller {
	t.Helper()
	return NewController(f, Config{
		LiveProfileDir: t.TempDir(),
		PersistDir:     filepath.Join(t.TempDir(), "profile"),
	}, zerolog.Nop())
}

func TestStatusStateMachine(t *testing.T) {
	ctx := context.Background()

	var nilController = NewController(nil, Config{}, zerolog.Nop())
	assert.Equal(t, StateNoDriver, nilController.Status(ctx))

	f := &fakeBridge{}
	c := newTestController(t, f)
	assert.Equal(t, StateNotConnected, c.Status(ctx), "absent driver session id")

	f.sessionID = "target-1"
	assert.Equal(t, StateUnknown, c.Status(ctx), "neither marker visible")

	f.qrVisible = true
	assert.Equal(t, StateNotLoggedIn, c.Status(ctx))

	f.mainVisible = true
	assert.Equal(t, StateLoggedIn, c.Status(ctx), "main shell marker wins")
}

func TestStatusSwallowsProbeErrors(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", probeErr: errors.New("devtools detached")}
	c := newTestController(t, f)
	assert.Equal(t, StateUnknown, c.Status(context.Background()),
		"probe failures count as marker absent")
}

func TestConnectWithoutSnapshot(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", qrVisible: true}
	c := newTestController(t, f)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{Endpoint}, f.navigated)
	assert.Zero(t, f.reloads, "no snapshot, no reload")
	assert.Equal(t, StateNotLoggedIn, c.Status(context.Background()))
}

func TestConnectRestoresSnapshot(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1"}
	c := newTestController(t, f)

	// Raw storage values as the page originally held them, including
	// non-ASCII text, control bytes, and quotes.
	original := map[string]string{
		"WAToken1":  "abc",
		"WAToken2":  `"1@AB+cd/EF=="`,
		"last-user": "ключ\x01",
		"mutex":     "emoji \U0001F600 tail",
	}

	require.NoError(t, os.MkdirAll(c.cfg.PersistDir, 0755))
	require.NoError(t, WriteSnapshot(c.SnapshotPath(), CaptureSnapshot(original)))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, original, f.injected,
		"escaping is a disk format, the page must see the original values")
	assert.Equal(t, 1, f.reloads, "page must reload to pick up restored storage")
}

func TestWaitForLoginTimesOut(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", qrVisible: true}
	c := newTestController(t, f)

	start := time.Now()
	err := c.WaitForLogin(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLoginTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "must return promptly")
	assert.Equal(t, StateNotLoggedIn, c.Status(context.Background()))
}

func TestWaitForLoginSucceeds(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", mainVisible: true}
	c := newTestController(t, f)
	assert.NoError(t, c.WaitForLogin(context.Background(), time.Second))
}

func TestPairingCodeIdempotent(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", qrVisible: true, qrToken: "ref-token-1"}
	c := newTestController(t, f)

	path := filepath.Join(t.TempDir(), "qr.png")
	first, err := c.PairingCode(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "ref-token-1", first.Token)

	info1, err := os.Stat(first.Path)
	require.NoError(t, err)

	second, err := c.PairingCode(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, first, second, "same code must return the same artifact")

	info2, err := os.Stat(second.Path)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "no spurious regeneration")
}

func TestPairingCodeClicksThroughStalePrompt(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", qrVisible: true, qrToken: "ref-2", staleQR: true}
	c := newTestController(t, f)

	_, err := c.PairingCode(context.Background(), filepath.Join(t.TempDir(), "qr.png"))
	require.NoError(t, err)
	assert.Contains(t, f.clicks, selQRWrap, "stale prompt must be clicked through")
}

func TestPairingCodePostLoginIsEmpty(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", mainVisible: true}
	c := newTestController(t, f)

	artifact, err := c.PairingCode(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, QRArtifact{}, artifact)
}

func TestPairingCodeScreenshotFallback(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	f := &fakeBridge{sessionID: "target-1", qrVisible: true, screenshotPNG: png}
	c := newTestController(t, f)

	path := filepath.Join(t.TempDir(), "qr.png")
	artifact, err := c.PairingCode(context.Background(), path)
	require.NoError(t, err)

	got, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, png, got)
}

func TestSaveSessionWritesProfileAndSnapshot(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", storage: map[string]string{
		"WAToken1": "plain",
		"WASecret": "ключ\x01", // non-ASCII plus a control byte
	}}
	c := newTestController(t, f)
	require.NoError(t, os.WriteFile(filepath.Join(c.cfg.LiveProfileDir, "cookies.sqlite"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(c.cfg.LiveProfileDir, "parent.lock"), nil, 0644))

	require.NoError(t, c.SaveSession(context.Background(), false))

	_, err := os.Stat(filepath.Join(c.cfg.PersistDir, "cookies.sqlite"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(c.cfg.PersistDir, "parent.lock"))
	assert.True(t, os.IsNotExist(err), "lock files are discarded")

	snap, err := ReadSnapshot(c.SnapshotPath())
	require.NoError(t, err)
	for _, v := range snap {
		for _, r := range v {
			assert.Less(t, r, rune(128), "snapshot values must be 7-bit safe")
		}
	}
	assert.Equal(t, f.storage, snap.Unescape(), "snapshot must round-trip exactly")
}

func TestSaveSessionReplaceSwapsAtomically(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", storage: map[string]string{}}
	c := newTestController(t, f)
	require.NoError(t, os.WriteFile(filepath.Join(c.cfg.LiveProfileDir, "prefs.js"), []byte("new"), 0644))

	// Seed an older persisted profile.
	require.NoError(t, os.MkdirAll(c.cfg.PersistDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(c.cfg.PersistDir, "stale"), []byte("old"), 0644))

	require.NoError(t, c.SaveSession(context.Background(), true))

	_, err := os.Stat(filepath.Join(c.cfg.PersistDir, "stale"))
	assert.True(t, os.IsNotExist(err), "old profile replaced wholesale")
	_, err = os.Stat(filepath.Join(c.cfg.PersistDir, "prefs.js"))
	assert.NoError(t, err)
	_, err = os.Stat(c.cfg.PersistDir + "__tmp")
	assert.True(t, os.IsNotExist(err), "temp dir cleaned up after swap")
}

func TestSaveSessionEmptyProfileIsFatal(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1", storage: map[string]string{}}
	c := newTestController(t, f)
	// Live profile contains only a lock file, so the copy comes out empty.
	require.NoError(t, os.WriteFile(filepath.Join(c.cfg.LiveProfileDir, "parent.lock"), nil, 0644))

	err := c.SaveSession(context.Background(), true)
	assert.ErrorIs(t, err, ErrProfilePersistence)
}

func TestReleasedControllerFailsFast(t *testing.T) {
	f := &fakeBridge{sessionID: "target-1"}
	c := newTestController(t, f)
	c.Release()

	ctx := context.Background()
	assert.Equal(t, StateNoDriver, c.Status(ctx))
	assert.ErrorIs(t, c.Connect(ctx), ErrNoDriver)
	assert.ErrorIs(t, c.WaitForLogin(ctx, time.Second), ErrNoDriver)
	_, err := c.PairingCode(ctx, "")
	assert.ErrorIs(t, err, ErrNoDriver)
	assert.ErrorIs(t, c.SaveSession(ctx, false), ErrNoDriver)
}

func TestSnapshotRoundTrip(t *testing.T) {
	original := map[string]string{
		"ascii":   "plain value",
		"unicode": "héllo wörld ключ 🔑",
		"control": "tab\there\nnewline\x00nul",
		"quotes":  `back\slash "quoted"`,
	}
	snap := CaptureSnapshot(original)

	path := filepath.Join(t.TempDir(), SnapshotFile)
	require.NoError(t, WriteSnapshot(path, snap))
	loaded, err := ReadSnapshot(path)
	require.NoError(t, err)

	assert.Equal(t, original, loaded.Unescape())
}
