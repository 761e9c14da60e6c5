// Package media turns encrypted media blobs into plaintext. The remote
// encrypts each asset under keys expanded from the message's 32-byte media
// key; the expansion info string is fixed per media type.
package media

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrMediaFetch covers transport failures and non-success responses
	// while downloading the blob.
	ErrMediaFetch = errors.New("media: blob download failed")
	// ErrMediaDecode covers malformed or truncated ciphertext.
	ErrMediaDecode = errors.New("media: malformed ciphertext")
	// ErrCrypto covers key derivation or cipher construction failures.
	ErrCrypto = errors.New("media: crypto failure")
)

// macTagLen is the truncated HMAC appended to every encrypted blob. The tag
// is stripped, not verified: the derived MAC key is reserved but unused, so
// tampered ciphertext decrypts to garbage undetected. A known gap carried
// over from the remote scheme.
const macTagLen = 10

// derivedLen is the total HKDF output: 16 IV + 32 cipher key + 32 MAC key
// + 32 reserved.
const derivedLen = 112

// appInfo maps a media type selector to the fixed derivation info constant.
var appInfo = map[string]string{
	"image":    "WhatsApp Image Keys",
	"sticker":  "WhatsApp Image Keys",
	"video":    "WhatsApp Video Keys",
	"audio":    "WhatsApp Audio Keys",
	"ptt":      "WhatsApp Audio Keys",
	"document": "WhatsApp Document Keys",
}

// Keys is the derived cipher material for one message.
type Keys struct {
	IV        []byte // 16 bytes
	CipherKey []byte // 32 bytes
	MACKey    []byte // remainder; reserved, not currently verified
}

// DeriveKeys expands the message's media key into IV, cipher key, and MAC
// key windows using HKDF-SHA256 with no salt and the type-selected info
// constant.
func DeriveKeys(mediaKey []byte, typeSelector string) (Keys, error) {
	if len(mediaKey) != 32 {
		return Keys{}, fmt.Errorf("%w: media key is %d bytes, want 32", ErrCrypto, len(mediaKey))
	}
	info, ok := appInfo[typeSelector]
	if !ok {
		return Keys{}, fmt.Errorf("%w: no app info for media type %q", ErrCrypto, typeSelector)
	}

	derived := make([]byte, derivedLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, mediaKey, nil, []byte(info)), derived); err != nil {
		return Keys{}, fmt.Errorf("%w: hkdf expand: %v", ErrCrypto, err)
	}

	return Keys{
		IV:        derived[:16],
		CipherKey: derived[16:48],
		MACKey:    derived[48:],
	}, nil
}

// Decrypt strips the trailing MAC tag, decrypts the remainder with AES-CBC
// under the derived keys, and removes the PKCS#7 padding. The cipher is
// fully drained before returning; partial plaintext is never exposed.
func Decrypt(ciphertext []byte, keys Keys) ([]byte, error) {
	if len(ciphertext) < macTagLen+aes.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrMediaDecode, len(ciphertext))
	}
	body := ciphertext[:len(ciphertext)-macTagLen]
	if len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes after trimming is not block aligned", ErrMediaDecode, len(body))
	}

	block, err := aes.NewCipher(keys.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, keys.IV).CryptBlocks(plain, body)

	return stripPadding(plain)
}

// stripPadding removes PKCS#7 padding as applied by the remote encoder.
func stripPadding(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrMediaDecode)
	}
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrMediaDecode, pad)
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrMediaDecode)
		}
	}
	return plain[:len(plain)-pad], nil
}

// BlobDownloader is the one Bridge capability this package needs.
type BlobDownloader interface {
	DownloadBlob(ctx context.Context, url string) ([]byte, error)
}

// Download fetches the encrypted blob at url and decrypts it under the
// message's key material. The download either returns the complete blob or
// fails; there is no partial result.
func Download(ctx context.Context, dl BlobDownloader, url string, mediaKey []byte, typeSelector string) ([]byte, error) {
	keys, err := DeriveKeys(mediaKey, typeSelector)
	if err != nil {
		return nil, err
	}
	blob, err := dl.DownloadBlob(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaFetch, err)
	}
	return Decrypt(blob, keys)
}
