package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devhollow/taskqueue/internal/domain"
)

const (
	keyA = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // 32 bytes base64
	keyB = "ZmVkY2JhOTg3NjU0MzIxMGZlZGNiYTk4NzY1NDMyMTA=" // different 32 bytes
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p, err := New(Keys{Current: keyA, CurrentVersion: "A"})
	require.NoError(t, err)

	ciphertext, err := p.Encrypt([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "A", ciphertext[:1])

	plaintext, err := p.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plaintext))
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	p, err := New(Keys{Current: keyA, CurrentVersion: "A"})
	require.NoError(t, err)

	c1, err := p.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	c2, err := p.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, c1, c2, "distinct nonces must produce distinct ciphertexts")
}

func TestDecryptUnrecognizedVersionIsErrDecrypt(t *testing.T) {
	p, err := New(Keys{Current: keyA, CurrentVersion: "A"})
	require.NoError(t, err)

	_, err = p.Decrypt("Zsomebase64body")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecrypt)
}

func TestDecryptEmptyCiphertextIsErrDecrypt(t *testing.T) {
	p, err := New(Keys{Current: keyA, CurrentVersion: "A"})
	require.NoError(t, err)

	_, err = p.Decrypt("")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecrypt)
}

func TestDecryptTamperedCiphertextFailsAuthentication(t *testing.T) {
	p, err := New(Keys{Current: keyA, CurrentVersion: "A"})
	require.NoError(t, err)

	ciphertext, err := p.Encrypt([]byte("hello world"))
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-1] + "x"
	_, err = p.Decrypt(tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecrypt)
}

func TestUpdateKeysPreservesPhasedOutDecryption(t *testing.T) {
	p, err := New(Keys{Current: keyA, CurrentVersion: "A"})
	require.NoError(t, err)

	oldCiphertext, err := p.Encrypt([]byte("pre-rotation payload"))
	require.NoError(t, err)

	err = p.UpdateKeys(Keys{
		Current:          keyB,
		CurrentVersion:   "B",
		PhasedOut:        keyA,
		PhasedOutVersion: "A",
	})
	require.NoError(t, err)

	plaintext, err := p.Decrypt(oldCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "pre-rotation payload", string(plaintext))

	newCiphertext, err := p.Encrypt([]byte("post-rotation payload"))
	require.NoError(t, err)
	assert.Equal(t, "B", newCiphertext[:1])
}

func TestNewRejectsInvalidKeyMaterial(t *testing.T) {
	_, err := New(Keys{Current: "not-base64!!!", CurrentVersion: "A"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestEncryptUnlockedUnderRotationLockRoundTrips(t *testing.T) {
	p, err := New(Keys{Current: keyA, CurrentVersion: "A"})
	require.NoError(t, err)

	handle := p.AcquireRotationLock()
	ciphertext, err := handle.EncryptUnlocked([]byte("under lock"))
	require.NoError(t, err)
	handle.Release()

	plaintext, err := p.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "under lock", string(plaintext))
}
