package evfs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// TagLen is the AEAD authentication tag size in bytes.
const TagLen = 16

// MarkerLen is the length of the ASCII sentinel written after the tag
// in an encrypted page's reserved tail.
const MarkerLen = 6

// Marker is the 6-byte sentinel distinguishing an encrypted page from
// a plaintext one (spec §3).
var Marker = [MarkerLen]byte{'E', 'V', 'F', 'S', 'v', '1'}

// noncePrefix domain-separates page encryption from DEK wrapping; it
// has no cryptographic purpose beyond labeling (spec §4.1).
var noncePrefix = [4]byte{'E', 'V', 'F', 'S'}

// aeadEngine provides the AEAD primitive the page codec and the
// keyring wrap/unwrap logic share. Narrowed from a CipherEngine-style
// abstraction down to the raw cipher.AEAD surface, since in-place page
// encryption needs direct access to Seal/Open's dst-aliasing behavior
// rather than an allocating wrapper.
type aeadEngine struct {
	aead cipher.AEAD
}

// newAEADEngine builds the AEAD primitive for the given cipher suite
// and 32-byte key.
func newAEADEngine(suite CipherSuite, key []byte) (*aeadEngine, error) {
	if err := validateKey(key, 32); err != nil {
		return nil, err
	}
	switch suite.resolve() {
	case CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("evfs: aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("evfs: gcm: %w", err)
		}
		return &aeadEngine{aead: aead}, nil
	case CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("evfs: chacha20poly1305: %w", err)
		}
		return &aeadEngine{aead: aead}, nil
	default:
		return nil, ErrUnsupportedCipher
	}
}

func (e *aeadEngine) NonceSize() int { return e.aead.NonceSize() }
func (e *aeadEngine) Overhead() int  { return e.aead.Overhead() }

// pageNonce derives the 12-byte AEAD nonce for page n (spec §4.1):
// [u32 LE "EVFS"][u64 LE page_no]. Deterministic construction is safe
// because DEKs are random and never reused across databases, and
// page_no is unique per page within one database (I5).
func pageNonce(pageNo uint64) []byte {
	nonce := make([]byte, 12)
	copy(nonce[0:4], noncePrefix[:])
	binary.LittleEndian.PutUint64(nonce[4:12], pageNo)
	return nonce
}

// pageAAD derives the associated data for page n: its 8-byte
// big-endian page number. This binds ciphertext to its logical
// location so swapping two on-disk pages fails verification (P5).
func pageAAD(pageNo uint64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, pageNo)
	return aad
}

// DecryptOutcome reports what decryptPage found in a page's reserved
// tail.
type DecryptOutcome uint8

const (
	// PagePlaintext means the marker was absent; buf was not modified.
	PagePlaintext DecryptOutcome = iota
	// PageDecrypted means the trailer verified and buf's payload now
	// holds plaintext, with the reserved tail zeroed.
	PageDecrypted
)

// encryptPage implements C1's encrypt_page (spec §4.1). buf must be
// exactly pageSize bytes. buf[:payloadLen] is treated as plaintext
// payload and encrypted in place; the tag lands in buf[payloadLen:
// payloadLen+TagLen], the marker immediately after, and any
// remaining reserved bytes are zeroed. payloadLen = pageSize -
// reserveSize.
func encryptPage(buf []byte, pageNo uint64, engine *aeadEngine, payloadLen, reserveSize int) error {
	if err := validatePageNo(pageNo); err != nil {
		return err
	}
	if len(buf) != payloadLen+reserveSize {
		return fmt.Errorf("evfs: encryptPage: buffer size %d does not match page layout %d+%d", len(buf), payloadLen, reserveSize)
	}
	nonce := pageNonce(pageNo)
	aad := pageAAD(pageNo)

	// Seal in place: dst=buf[:0] aliases the plaintext payload and has
	// capacity for ciphertext+tag, so Seal overwrites the payload with
	// ciphertext and appends the tag directly after it.
	sealed := engine.aead.Seal(buf[:0], nonce, buf[:payloadLen], aad)
	if len(sealed) != payloadLen+engine.Overhead() {
		return fmt.Errorf("evfs: encryptPage: unexpected sealed length %d", len(sealed))
	}

	tail := buf[payloadLen:]
	copy(tail[TagLen:TagLen+MarkerLen], Marker[:])
	for i := TagLen + MarkerLen; i < len(tail); i++ {
		tail[i] = 0
	}
	return nil
}

// decryptPage implements C1's decrypt_page (spec §4.1). If the
// marker is absent, returns PagePlaintext without modifying buf.
// Otherwise verifies and decrypts the payload in place, zero-fills
// the reserved tail on success, and returns PageDecrypted. A tag
// mismatch is reported as *DecryptError via the returned error, never
// as PagePlaintext.
func decryptPage(buf []byte, pageNo uint64, engine *aeadEngine, payloadLen, reserveSize int) (DecryptOutcome, error) {
	if err := validatePageNo(pageNo); err != nil {
		return PagePlaintext, err
	}
	if len(buf) != payloadLen+reserveSize {
		return PagePlaintext, fmt.Errorf("evfs: decryptPage: buffer size %d does not match page layout %d+%d", len(buf), payloadLen, reserveSize)
	}
	tail := buf[payloadLen:]
	markerStart := TagLen
	if len(tail) < markerStart+MarkerLen || string(tail[markerStart:markerStart+MarkerLen]) != string(Marker[:]) {
		return PagePlaintext, nil
	}

	nonce := pageNonce(pageNo)
	aad := pageAAD(pageNo)
	ciphertext := buf[:payloadLen+TagLen]

	// Open in place: dst=buf[:0] aliases ciphertext and Open writes
	// the verified plaintext back over it.
	opened, err := engine.aead.Open(buf[:0], nonce, ciphertext, aad)
	if err != nil {
		return PagePlaintext, NewDecryptError(pageNo, "authentication tag mismatch", err)
	}
	if len(opened) != payloadLen {
		return PagePlaintext, NewDecryptError(pageNo, "unexpected decrypted length", nil)
	}

	for i := payloadLen; i < len(buf); i++ {
		buf[i] = 0
	}
	return PageDecrypted, nil
}
