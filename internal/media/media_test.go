package media

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-webdriver/internal/bridge"
)

// encryptFixture produces a blob the way the remote encoder does: PKCS#7
// pad, AES-CBC encrypt under the derived keys, append a 10-byte tag.
func encryptFixture(t *testing.T, plaintext, mediaKey []byte, typeSelector string) []byte {
	t.Helper()
	keys, err := DeriveKeys(mediaKey, typeSelector)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(keys.CipherKey)
	require.NoError(t, err)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, keys.IV).CryptBlocks(encrypted, padded)

	tag := bytes.Repeat([]byte{0xAA}, 10)
	return append(encrypted, tag...)
}

func fixtureKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestDeriveKeysWindows(t *testing.T) {
	keys, err := DeriveKeys(fixtureKey(), "image")
	require.NoError(t, err)
	assert.Len(t, keys.IV, 16)
	assert.Len(t, keys.CipherKey, 32)
	assert.Len(t, keys.MACKey, derivedLen-48)
}

func TestDeriveKeysDeterministic(t *testing.T) {
	a, err := DeriveKeys(fixtureKey(), "video")
	require.NoError(t, err)
	b, err := DeriveKeys(fixtureKey(), "video")
	require.NoError(t, err)
	assert.Equal(t, a.CipherKey, b.CipherKey)

	// Different type selectors are purpose-separated.
	c, err := DeriveKeys(fixtureKey(), "document")
	require.NoError(t, err)
	assert.NotEqual(t, a.CipherKey, c.CipherKey)

	// Audio and ptt share an info constant, as do image and sticker.
	d, err := DeriveKeys(fixtureKey(), "audio")
	require.NoError(t, err)
	e, err := DeriveKeys(fixtureKey(), "ptt")
	require.NoError(t, err)
	assert.Equal(t, d.CipherKey, e.CipherKey)
}

func TestDeriveKeysRejectsBadInput(t *testing.T) {
	_, err := DeriveKeys([]byte("short"), "image")
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = DeriveKeys(fixtureKey(), "hologram")
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	blob := encryptFixture(t, plaintext, fixtureKey(), "image")

	keys, err := DeriveKeys(fixtureKey(), "image")
	require.NoError(t, err)
	got, err := Decrypt(blob, keys)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptBlockSizedPlaintext(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x42}, aes.BlockSize*3)
	blob := encryptFixture(t, plaintext, fixtureKey(), "document")

	keys, err := DeriveKeys(fixtureKey(), "document")
	require.NoError(t, err)
	got, err := Decrypt(blob, keys)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptRejectsTruncated(t *testing.T) {
	keys, err := DeriveKeys(fixtureKey(), "image")
	require.NoError(t, err)

	_, err = Decrypt([]byte("tooshort"), keys)
	assert.ErrorIs(t, err, ErrMediaDecode)
}

func TestDecryptRejectsMisaligned(t *testing.T) {
	keys, err := DeriveKeys(fixtureKey(), "image")
	require.NoError(t, err)

	// 10-byte tag plus 17 body bytes: long enough, not block aligned.
	_, err = Decrypt(make([]byte, 27), keys)
	assert.ErrorIs(t, err, ErrMediaDecode)
}

type fakeDownloader struct {
	blob []byte
	err  error
}

func (f fakeDownloader) DownloadBlob(ctx context.Context, url string) ([]byte, error) {
	return f.blob, f.err
}

func TestDownloadEndToEnd(t *testing.T) {
	plaintext := []byte("full pipeline fixture")
	blob := encryptFixture(t, plaintext, fixtureKey(), "video")

	got, err := Download(context.Background(), fakeDownloader{blob: blob},
		"https://mmg.example/d/f/x", fixtureKey(), "video")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDownloadTransportFailure(t *testing.T) {
	_, err := Download(context.Background(), fakeDownloader{err: errors.New("boom")},
		"https://mmg.example/d/f/x", fixtureKey(), "video")
	assert.ErrorIs(t, err, ErrMediaFetch)
}

func TestDownloadPreservesTransportCause(t *testing.T) {
	cause := bridge.ErrBridgeTimeout
	_, err := Download(context.Background(),
		fakeDownloader{err: fmt.Errorf("fetching blob: %w", cause)},
		"https://mmg.example/d/f/x", fixtureKey(), "video")
	assert.ErrorIs(t, err, ErrMediaFetch)
	assert.ErrorIs(t, err, cause, "transport cause must stay discriminable")
}
