package evfs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const (
	// keyringMagic identifies an evfs sidecar file (ASCII "EVFSKR1\0"
	// on disk; the constant is that byte string read as a little-endian
	// uint64, matching how encode and decode serialize it).
	keyringMagic = uint64(0x0031524b_53465645)

	// keyringVersion is the current sidecar format version. Version 1
	// (teacher-era file_format.go shape) had no KeyringID field;
	// version 2 adds it. decode accepts both.
	keyringVersion = uint16(2)
)

// keyringEntry is one scope's wrapped data-encryption key within a
// sidecar file.
type keyringEntry struct {
	Scope      Scope
	WrappedDEK []byte // ciphertext||tag from sealing the DEK under the KEK
	Nonce      []byte
}

// Keyring implements C3 (spec §4.3): it owns the data-encryption keys
// for every scope of one database and persists them, wrapped under a
// KEK, in a sidecar file next to the database. Grounded on teacher
// file_format.go / chunk_format.go's header-serialization idiom,
// generalized from a single inline header to a table of scope
// entries.
type Keyring struct {
	id       uuid.UUID
	sidecar  string
	provider KeyProvider
	suite    CipherSuite
	logger   Logger

	mu      sync.RWMutex
	kek     []byte
	engine  *aeadEngine
	entries map[string]*keyringEntry // keyed by Scope.String()
	dirty   bool
}

func scopeKey(s Scope) string { return s.String() }

// LoadOrInit loads an existing sidecar at sidecarPath, or initializes
// a fresh, empty Keyring if none exists yet. The KEK is unwrapped
// immediately via provider so a bad passphrase or unreachable key
// service fails at open time rather than on first page access.
func LoadOrInit(ctx context.Context, sidecarPath string, provider KeyProvider, suite CipherSuite, logger Logger) (*Keyring, error) {
	if logger == nil {
		logger = newNopLogger()
	}
	kek, err := provider.UnwrapKEK(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := newAEADEngine(suite, kek)
	if err != nil {
		return nil, NewKeyringCorrupt(sidecarPath, "failed to build AEAD engine for KEK", err)
	}

	kr := &Keyring{
		sidecar:  sidecarPath,
		provider: provider,
		suite:    suite,
		logger:   logger,
		kek:      kek,
		engine:   engine,
		entries:  make(map[string]*keyringEntry),
	}

	data, err := os.ReadFile(sidecarPath)
	if os.IsNotExist(err) {
		kr.id = uuid.New()
		logger.Info("evfs: initializing new keyring", "sidecar", sidecarPath, "id", kr.id.String())
		return kr, nil
	}
	if err != nil {
		return nil, NewKeyringCorrupt(sidecarPath, "failed to read sidecar", err)
	}
	if err := kr.decode(data); err != nil {
		return nil, err
	}
	logger.Debug("evfs: loaded keyring", "sidecar", sidecarPath, "id", kr.id.String(), "scopes", len(kr.entries))
	return kr, nil
}

// GetOrCreate returns the data-encryption key for scope, generating
// and wrapping a fresh random DEK under the keyring's KEK the first
// time this scope is requested. Concurrent callers requesting the
// same new scope block on the keyring's lock rather than racing to
// generate distinct DEKs (single-flight per spec §4.3).
func (k *Keyring) GetOrCreate(scope Scope) ([]byte, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	key := scopeKey(scope)

	k.mu.RLock()
	if entry, ok := k.entries[key]; ok {
		dek, err := k.unwrapDEK(entry)
		k.mu.RUnlock()
		return dek, err
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if entry, ok := k.entries[key]; ok {
		return k.unwrapDEK(entry)
	}

	dek, err := randomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("evfs: failed to generate DEK: %w", err)
	}
	nonce, wrapped, err := wrapDEK(k.engine, dek)
	if err != nil {
		return nil, fmt.Errorf("evfs: failed to wrap DEK for scope %s: %w", scope, err)
	}
	k.entries[key] = &keyringEntry{Scope: scope, WrappedDEK: wrapped, Nonce: nonce}
	k.dirty = true
	k.logger.Info("evfs: generated DEK", "scope", scope.String())
	return dek, nil
}

// unwrapDEK must be called with k.mu held (read or write).
func (k *Keyring) unwrapDEK(entry *keyringEntry) ([]byte, error) {
	if err := validateNonce(entry.Nonce, k.suite); err != nil {
		return nil, NewKeyringCorrupt(k.sidecar, fmt.Sprintf("malformed nonce for scope %s", entry.Scope), err)
	}
	dek, err := unwrapDEK(k.engine, entry.Nonce, entry.WrappedDEK)
	if err != nil {
		return nil, NewKeyringCorrupt(k.sidecar, fmt.Sprintf("failed to unwrap DEK for scope %s", entry.Scope), err)
	}
	return dek, nil
}

// Flush persists the keyring to its sidecar path if it has unsaved
// changes, using a temp-file-plus-rename for atomicity.
func (k *Keyring) Flush() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.dirty {
		return nil
	}
	data := k.encode()

	dir := filepath.Dir(k.sidecar)
	tmp, err := os.CreateTemp(dir, ".evfs-keyring-*")
	if err != nil {
		return NewIoError("keyring-flush", k.sidecar, -1, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return NewIoError("keyring-flush", k.sidecar, -1, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return NewIoError("keyring-flush", k.sidecar, -1, err)
	}
	if err := tmp.Close(); err != nil {
		return NewIoError("keyring-flush", k.sidecar, -1, err)
	}
	if err := os.Rename(tmpPath, k.sidecar); err != nil {
		return NewIoError("keyring-flush", k.sidecar, -1, err)
	}
	k.dirty = false
	k.logger.Debug("evfs: flushed keyring", "sidecar", k.sidecar, "scopes", len(k.entries))
	return nil
}

// ID returns the keyring's stable identifier.
func (k *Keyring) ID() uuid.UUID { return k.id }

// SidecarSummary reports a sidecar's header fields without unwrapping
// any key, for inspection tooling (cmd/evfsutil) that should work
// without the passphrase or remote key service that produced it.
type SidecarSummary struct {
	ID         uuid.UUID
	ScopeCount int
}

// InspectSidecar parses the sidecar at path and reports its header
// fields. It never contacts a KeyProvider and never unwraps a DEK;
// decode only parses the wire format, so a corrupt or foreign file
// fails here the same way it would fail LoadOrInit, before any key
// material is touched.
func InspectSidecar(path string) (SidecarSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SidecarSummary{}, NewIoError("inspect-sidecar", path, -1, err)
	}
	k := &Keyring{sidecar: path, entries: make(map[string]*keyringEntry)}
	if err := k.decode(data); err != nil {
		return SidecarSummary{}, err
	}
	return SidecarSummary{ID: k.id, ScopeCount: len(k.entries)}, nil
}

// encode serializes the keyring to the version-2 sidecar wire format:
//
//	magic      uint64 LE
//	version    uint16 LE
//	id         [16]byte (uuid)
//	count      uint16 LE
//	entries... { scope_kind uint8, scope_name_len uint16 LE, scope_name,
//	             nonce_len uint16 LE, nonce, wrapped_len uint16 LE, wrapped }
func (k *Keyring) encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, keyringMagic)
	binary.Write(buf, binary.LittleEndian, keyringVersion)
	idBytes, _ := k.id.MarshalBinary()
	buf.Write(idBytes)
	binary.Write(buf, binary.LittleEndian, uint16(len(k.entries)))
	for _, entry := range k.entries {
		binary.Write(buf, binary.LittleEndian, uint8(entry.Scope.Kind))
		name := []byte(entry.Scope.Name)
		binary.Write(buf, binary.LittleEndian, uint16(len(name)))
		buf.Write(name)
		binary.Write(buf, binary.LittleEndian, uint16(len(entry.Nonce)))
		buf.Write(entry.Nonce)
		binary.Write(buf, binary.LittleEndian, uint16(len(entry.WrappedDEK)))
		buf.Write(entry.WrappedDEK)
	}
	return buf.Bytes()
}

// decode parses the sidecar wire format, accepting both version 1
// (no KeyringID; a fresh id is minted for it in memory) and version 2.
func (k *Keyring) decode(data []byte) error {
	r := bytes.NewReader(data)

	var magic uint64
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return NewKeyringCorrupt(k.sidecar, "truncated magic", err)
	}
	if magic != keyringMagic {
		return NewKeyringCorrupt(k.sidecar, "bad magic", nil)
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return NewKeyringCorrupt(k.sidecar, "truncated version", err)
	}
	if version > keyringVersion {
		return NewKeyringCorrupt(k.sidecar, fmt.Sprintf("unsupported sidecar version %d", version), nil)
	}

	if version >= 2 {
		idBytes := make([]byte, 16)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated keyring id", err)
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return NewKeyringCorrupt(k.sidecar, "malformed keyring id", err)
		}
		k.id = id
	} else {
		k.id = uuid.New()
	}

	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return NewKeyringCorrupt(k.sidecar, "truncated entry count", err)
	}

	for i := uint16(0); i < count; i++ {
		var kind uint8
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated scope kind", err)
		}
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated scope name length", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated scope name", err)
		}
		var nonceLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nonceLen); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated nonce length", err)
		}
		nonce := make([]byte, nonceLen)
		if _, err := io.ReadFull(r, nonce); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated nonce", err)
		}
		var wrappedLen uint16
		if err := binary.Read(r, binary.LittleEndian, &wrappedLen); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated wrapped dek length", err)
		}
		wrapped := make([]byte, wrappedLen)
		if _, err := io.ReadFull(r, wrapped); err != nil {
			return NewKeyringCorrupt(k.sidecar, "truncated wrapped dek", err)
		}
		scope := Scope{Kind: ScopeKind(kind), Name: string(name)}
		k.entries[scopeKey(scope)] = &keyringEntry{Scope: scope, WrappedDEK: wrapped, Nonce: nonce}
	}
	return nil
}

// wrapDEK seals dek under engine's key, returning the nonce used and
// the ciphertext||tag.
func wrapDEK(engine *aeadEngine, dek []byte) (nonce, wrapped []byte, err error) {
	nonce, err = randomBytes(engine.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	wrapped = engine.aead.Seal(nil, nonce, dek, nil)
	return nonce, wrapped, nil
}

// unwrapDEK opens a wrapped DEK sealed by wrapDEK.
func unwrapDEK(engine *aeadEngine, nonce, wrapped []byte) ([]byte, error) {
	return engine.aead.Open(nil, nonce, wrapped, nil)
}

// randomBytes returns n cryptographically random bytes.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// refcountedKeyring shares one Keyring across every open file handle
// for the same database path, so concurrently opened main-db handles
// don't race to create distinct sidecars. Auxiliary handles (journals,
// WAL, temp files) never acquire a keyring.
type refcountedKeyring struct {
	keyring *Keyring
	refs    int
}

var (
	keyringRegistryMu sync.Mutex
	keyringRegistry   = make(map[string]*refcountedKeyring)

	// lastSeenKeyringID remembers the KeyringID of the most recently
	// evicted in-memory Keyring for each canonical database path, so a
	// later reopen of the same path can notice a foreign or replaced
	// sidecar even though the registry itself holds nothing once the
	// last handle closes (spec §3.1).
	lastSeenKeyringID = make(map[string]uuid.UUID)
)

// acquireKeyring returns the shared Keyring for dbPath, loading or
// initializing its sidecar on first acquisition and bumping a
// reference count on every subsequent call. Paths are canonicalized
// with filepath.Abs + filepath.Clean so "./app.db" and "app.db"
// resolve to the same entry.
func acquireKeyring(ctx context.Context, dbPath string, provider KeyProvider, suite CipherSuite, logger Logger) (*Keyring, error) {
	canon, err := canonicalizePath(dbPath)
	if err != nil {
		return nil, NewIoError("canonicalize", dbPath, -1, err)
	}

	keyringRegistryMu.Lock()
	if rk, ok := keyringRegistry[canon]; ok {
		rk.refs++
		keyringRegistryMu.Unlock()
		return rk.keyring, nil
	}
	keyringRegistryMu.Unlock()

	kr, err := LoadOrInit(ctx, canon+KeyringSuffix, provider, suite, logger)
	if err != nil {
		return nil, err
	}

	keyringRegistryMu.Lock()
	defer keyringRegistryMu.Unlock()
	if rk, ok := keyringRegistry[canon]; ok {
		// Lost the race to another goroutine that loaded first; use
		// its keyring and let ours be garbage collected.
		rk.refs++
		return rk.keyring, nil
	}
	if prev, ok := lastSeenKeyringID[canon]; ok && prev != kr.id {
		kr.logger.Warn("evfs: reopened database has a different keyring id than the last session",
			"path", canon, "previous_id", prev.String(), "current_id", kr.id.String())
	}
	keyringRegistry[canon] = &refcountedKeyring{keyring: kr, refs: 1}
	return kr, nil
}

// releaseKeyring drops a reference to dbPath's shared Keyring,
// flushing and evicting it from the registry once the last handle
// closes.
func releaseKeyring(dbPath string) error {
	canon, err := canonicalizePath(dbPath)
	if err != nil {
		return NewIoError("canonicalize", dbPath, -1, err)
	}

	keyringRegistryMu.Lock()
	rk, ok := keyringRegistry[canon]
	if !ok {
		keyringRegistryMu.Unlock()
		return nil
	}
	rk.refs--
	evict := rk.refs <= 0
	if evict {
		delete(keyringRegistry, canon)
		lastSeenKeyringID[canon] = rk.keyring.ID()
	}
	keyringRegistryMu.Unlock()

	if evict {
		return rk.keyring.Flush()
	}
	return nil
}

func canonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
