// Package cryptox implements the per-attachment blob cipher.
//
// Every blob gets its own 64 bytes of random key material. An AES-256 key and
// a 12-byte GCM nonce are derived from that material with HKDF-SHA256, so a
// given (plaintext, key) pair always encrypts to the same ciphertext. The
// digest stored next to the key is SHA-256 over the whole ciphertext and is
// checked before anything is decrypted.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/dmitrijs2005/attachkit/internal/common"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of the per-attachment key material.
	KeySize = 64
	// DigestSize is the length of a ciphertext digest.
	DigestSize = sha256.Size
	// NonceSize is the GCM nonce length prepended to the ciphertext.
	NonceSize = 12

	// MaxPlaintextBytes caps a single attachment.
	MaxPlaintextBytes = 100 << 20
)

var hkdfInfo = []byte("attachkit blob v1")

// EncryptedBlob is the output of EncryptBlob.
type EncryptedBlob struct {
	Ciphertext []byte
	Key        []byte
	Digest     []byte
}

// EncryptBlob encrypts plaintext under freshly generated key material.
//
// Returns common.ErrTooLarge when plaintext exceeds MaxPlaintextBytes.
func EncryptBlob(plaintext []byte) (*EncryptedBlob, error) {
	if len(plaintext) > MaxPlaintextBytes {
		return nil, fmt.Errorf("encrypt %d bytes: %w", len(plaintext), common.ErrTooLarge)
	}

	key := common.GenerateRandByteArray(KeySize)

	ciphertext, err := seal(plaintext, key)
	if err != nil {
		return nil, err
	}

	return &EncryptedBlob{Ciphertext: ciphertext, Key: key, Digest: Digest(ciphertext)}, nil
}

// Reseal reproduces the ciphertext of a blob encrypted earlier with key and
// recorded under digest. The nonce is derived from the key, so one key may
// only ever seal one plaintext: if plaintext differs from the original the
// output is discarded and common.ErrIntegrity is returned.
func Reseal(plaintext, key, digest []byte) ([]byte, error) {
	ciphertext, err := seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	if err := VerifyDigest(ciphertext, digest); err != nil {
		common.WipeByteArray(ciphertext)
		return nil, err
	}
	return ciphertext, nil
}

// seal encrypts plaintext as nonce || sealed(plaintext). Deterministic for
// a given key.
func seal(plaintext, key []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextBytes {
		return nil, fmt.Errorf("encrypt %d bytes: %w", len(plaintext), common.ErrTooLarge)
	}

	aead, nonce, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// DecryptBlob verifies ciphertext against expectedDigest and decrypts it.
//
// The digest comparison runs in constant time and happens before any AEAD
// work. Both a digest mismatch and an authentication failure yield
// common.ErrIntegrity.
func DecryptBlob(ciphertext, key, expectedDigest []byte) ([]byte, error) {
	if err := VerifyDigest(ciphertext, expectedDigest); err != nil {
		return nil, err
	}

	if len(ciphertext) < NonceSize {
		return nil, fmt.Errorf("ciphertext too short: %w", common.ErrIntegrity)
	}

	aead, nonce, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(nonce, ciphertext[:NonceSize]) != 1 {
		return nil, fmt.Errorf("nonce mismatch: %w", common.ErrIntegrity)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", common.ErrIntegrity)
	}
	return plaintext, nil
}

// Digest returns SHA-256 over data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// VerifyDigest reports common.ErrIntegrity unless data hashes to expected.
func VerifyDigest(data, expected []byte) error {
	if len(expected) != DigestSize {
		return fmt.Errorf("digest length %d: %w", len(expected), common.ErrIntegrity)
	}
	if subtle.ConstantTimeCompare(Digest(data), expected) != 1 {
		return fmt.Errorf("digest mismatch: %w", common.ErrIntegrity)
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, []byte, error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("key material must be %d bytes, got %d: %w", KeySize, len(key), common.ErrIntegrity)
	}

	// aes key followed by nonce
	derived := make([]byte, 32+NonceSize)
	r := hkdf.New(sha256.New, key, nil, hkdfInfo)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, nil, fmt.Errorf("derive key: %w", err)
	}
	defer common.WipeByteArray(derived[:32])

	block, err := aes.NewCipher(derived[:32])
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, NonceSize)
	copy(nonce, derived[32:])
	return aead, nonce, nil
}
