// Package encryption implements the at-rest content envelope:
//
//	[16B salt][12B nonce][ciphertext + 16B GCM tag]
//
// The AES-256 key is derived per record with Argon2id over the fresh salt,
// so envelopes are portable across processes that share the password.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	tagSize   = 16

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// minEnvelopeSize is the smallest well-formed envelope: salt, nonce and the
// GCM tag. Empty plaintext seals to a tag-only ciphertext, so there may be
// no content bytes at all.
const minEnvelopeSize = saltSize + nonceSize + tagSize

// Encryptor seals and opens content envelopes with a shared password.
// A zero-value Encryptor (no password) is valid and passes content through.
type Encryptor struct {
	password []byte
}

// New returns an Encryptor for the given password. An empty password yields
// a pass-through Encryptor.
func New(password string) *Encryptor {
	if password == "" {
		return &Encryptor{}
	}
	return &Encryptor{password: []byte(password)}
}

// Enabled reports whether envelopes are produced on write.
func (e *Encryptor) Enabled() bool {
	return e != nil && len(e.password) > 0
}

func (e *Encryptor) deriveKey(salt []byte) []byte {
	return argon2.IDKey(e.password, salt, argonTime, argonMemory, argonThreads, keySize)
}

// Encrypt seals plaintext into an envelope. Each call draws a fresh salt and
// nonce, so encrypting the same plaintext twice yields different envelopes.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if !e.Enabled() {
		return nil, fmt.Errorf("encryption is not enabled")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	gcm, err := newGCM(e.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+tagSize)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens an envelope. It fails on short input, on a wrong password,
// and on any tampering (GCM authentication).
func (e *Encryptor) Decrypt(envelope []byte) ([]byte, error) {
	if !e.Enabled() {
		return nil, fmt.Errorf("encryption is not enabled")
	}
	if len(envelope) < minEnvelopeSize {
		return nil, fmt.Errorf("envelope too short: %d bytes", len(envelope))
	}
	salt := envelope[:saltSize]
	nonce := envelope[saltSize : saltSize+nonceSize]
	ciphertext := envelope[saltSize+nonceSize:]
	gcm, err := newGCM(e.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content: %w", err)
	}
	return plaintext, nil
}

// DecodeOrDecrypt turns a stored content column into text. The second return
// is false when the content cannot be produced: encrypted rows without a
// working key, or bytes that are not valid UTF-8. Listing paths skip such
// rows; singleton paths report them.
func (e *Encryptor) DecodeOrDecrypt(content []byte, enc bool) (string, bool) {
	if enc {
		if !e.Enabled() {
			return "", false
		}
		plain, err := e.Decrypt(content)
		if err != nil {
			return "", false
		}
		content = plain
	}
	if !utf8.Valid(content) {
		return "", false
	}
	return string(content), true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
