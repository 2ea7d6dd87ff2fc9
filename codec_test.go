package evfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 512
const testReserveSize = 48
const testPayloadSize = testPageSize - testReserveSize

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i)
	}
	return dek
}

func TestEncryptDecryptPageRoundTrip(t *testing.T) {
	suites := []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305}
	for _, suite := range suites {
		t.Run(suite.String(), func(t *testing.T) {
			engine, err := newAEADEngine(suite, testDEK(t))
			require.NoError(t, err)

			buf := make([]byte, testPageSize)
			for i := 0; i < testPayloadSize; i++ {
				buf[i] = byte(i % 251)
			}
			original := append([]byte(nil), buf...)

			require.NoError(t, encryptPage(buf, 7, engine, testPayloadSize, testReserveSize))
			assert.NotEqual(t, original[:testPayloadSize], buf[:testPayloadSize], "payload should be ciphertext after encryption")
			assert.Equal(t, Marker[:], buf[testPayloadSize+TagLen:testPayloadSize+TagLen+MarkerLen])

			outcome, err := decryptPage(buf, 7, engine, testPayloadSize, testReserveSize)
			require.NoError(t, err)
			assert.Equal(t, PageDecrypted, outcome)
			assert.Equal(t, original[:testPayloadSize], buf[:testPayloadSize])
			for _, b := range buf[testPayloadSize:] {
				assert.Equal(t, byte(0), b)
			}
		})
	}
}

func TestDecryptPagePlaintextPassthrough(t *testing.T) {
	engine, err := newAEADEngine(CipherAES256GCM, testDEK(t))
	require.NoError(t, err)

	buf := make([]byte, testPageSize)
	copy(buf, []byte("SQLite format 3\x00"))

	outcome, err := decryptPage(buf, 1, engine, testPayloadSize, testReserveSize)
	require.NoError(t, err)
	assert.Equal(t, PagePlaintext, outcome)
}

func TestDecryptPageTamperedTagFails(t *testing.T) {
	engine, err := newAEADEngine(CipherAES256GCM, testDEK(t))
	require.NoError(t, err)

	buf := make([]byte, testPageSize)
	require.NoError(t, encryptPage(buf, 3, engine, testPayloadSize, testReserveSize))

	buf[0] ^= 0xFF // flip a ciphertext byte

	_, err = decryptPage(buf, 3, engine, testPayloadSize, testReserveSize)
	require.Error(t, err)
	assert.True(t, IsDecryptError(err))
}

func TestDecryptPageWrongPageNumberFails(t *testing.T) {
	// Binding the page number into the AAD means ciphertext from page
	// 3 must not verify when presented as page 4 (defends against
	// page-swap attacks).
	engine, err := newAEADEngine(CipherAES256GCM, testDEK(t))
	require.NoError(t, err)

	buf := make([]byte, testPageSize)
	require.NoError(t, encryptPage(buf, 3, engine, testPayloadSize, testReserveSize))

	_, err = decryptPage(buf, 4, engine, testPayloadSize, testReserveSize)
	require.Error(t, err)
	assert.True(t, IsDecryptError(err))
}

func TestPageNonceVariesByPageNumber(t *testing.T) {
	n1 := pageNonce(1)
	n2 := pageNonce(2)
	assert.NotEqual(t, n1, n2)
	assert.Len(t, n1, 12)
}

func TestNewAEADEngineRejectsBadKeyLength(t *testing.T) {
	_, err := newAEADEngine(CipherAES256GCM, make([]byte, 16))
	require.Error(t, err)
}

func TestNewAEADEngineRejectsUnknownSuite(t *testing.T) {
	_, err := newAEADEngine(CipherSuite(99), testDEK(t))
	require.ErrorIs(t, err, ErrUnsupportedCipher)
}
