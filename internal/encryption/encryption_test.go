package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := New("correct horse battery staple")
	require.True(t, e.Enabled())

	plaintext := []byte("remember: the deploy window is Tuesday")
	envelope, err := e.Encrypt(plaintext)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(envelope), minEnvelopeSize)

	out, err := e.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)

	// Fresh salt and nonce per call: same plaintext, different envelope.
	envelope2, err := e.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, envelope, envelope2)
}

func TestEncryptDecryptEmptyPlaintext(t *testing.T) {
	e := New("pw")

	// Sealing nothing yields a tag-only envelope, which must still open.
	envelope, err := e.Encrypt([]byte{})
	require.NoError(t, err)
	require.Equal(t, minEnvelopeSize, len(envelope))

	out, err := e.Decrypt(envelope)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecryptWrongPassword(t *testing.T) {
	envelope, err := New("password-one").Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = New("password-two").Decrypt(envelope)
	assert.Error(t, err)
}

func TestDecryptRejectsShortOrTamperedEnvelope(t *testing.T) {
	e := New("pw")

	_, err := e.Decrypt([]byte("too short"))
	assert.Error(t, err)

	envelope, err := e.Encrypt([]byte("secret"))
	require.NoError(t, err)
	envelope[len(envelope)-1] ^= 0xff
	_, err = e.Decrypt(envelope)
	assert.Error(t, err)
}

func TestDisabledEncryptor(t *testing.T) {
	e := New("")
	require.False(t, e.Enabled())

	_, err := e.Encrypt([]byte("x"))
	assert.Error(t, err)

	// Plaintext rows still decode.
	text, ok := e.DecodeOrDecrypt([]byte("plain row"), false)
	require.True(t, ok)
	assert.Equal(t, "plain row", text)

	// Encrypted rows are unreadable without a key.
	_, ok = e.DecodeOrDecrypt([]byte("whatever"), true)
	assert.False(t, ok)
}

func TestDecodeOrDecrypt(t *testing.T) {
	e := New("pw")

	envelope, err := e.Encrypt([]byte("sealed"))
	require.NoError(t, err)
	text, ok := e.DecodeOrDecrypt(envelope, true)
	require.True(t, ok)
	assert.Equal(t, "sealed", text)

	// Invalid UTF-8 plaintext is reported as undecodable.
	_, ok = e.DecodeOrDecrypt([]byte{0xff, 0xfe, 0x01}, false)
	assert.False(t, ok)

	// Garbage envelope decrypts to nothing.
	_, ok = e.DecodeOrDecrypt([]byte("not an envelope at all, much too short?"), true)
	assert.False(t, ok)
}
