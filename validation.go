package evfs

import "fmt"

// Input validation helpers, grounded on teacher validation.go's
// defensive-programming style, narrowed to the parameters this
// module's page codec, keyring, and page I/O engine actually take.

// validateBuffer checks buf is non-nil and at least minSize bytes.
func validateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return NewConfigError(name, nil, "buffer cannot be nil")
	}
	if minSize > 0 && len(buf) < minSize {
		return NewConfigError(name, len(buf), fmt.Sprintf("buffer too small: got %d bytes, need at least %d", len(buf), minSize))
	}
	return nil
}

// validateOffset rejects negative file offsets.
func validateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ConfigError{Field: name, Value: offset, Message: "offset cannot be negative", Err: ErrNegativeOffset}
	}
	return nil
}

// validateNonce checks a nonce has the size the cipher suite expects.
func validateNonce(nonce []byte, suite CipherSuite) error {
	if nonce == nil {
		return NewConfigError("nonce", nil, "nonce cannot be nil")
	}
	const expectedSize = 12 // both AES-256-GCM and ChaCha20-Poly1305 use 96-bit nonces
	if len(nonce) != expectedSize {
		return NewConfigError("nonce", len(nonce), fmt.Sprintf("invalid nonce size for %s: got %d bytes, want %d", suite.String(), len(nonce), expectedSize))
	}
	return nil
}

// validateKey checks a key has exactly expectedSize bytes.
func validateKey(key []byte, expectedSize int) error {
	if key == nil {
		return NewConfigError("key", nil, "key cannot be nil")
	}
	if len(key) != expectedSize {
		return NewConfigError("key", len(key), fmt.Sprintf("invalid key size: got %d bytes, want %d", len(key), expectedSize))
	}
	return nil
}

// validatePageNo checks a page number is in SQLite's valid 1-indexed range.
func validatePageNo(pageNo uint64) error {
	if pageNo == 0 {
		return NewConfigError("pageNo", pageNo, "page numbers are 1-indexed; 0 is not valid")
	}
	return nil
}

// validateScope checks a Scope is well-formed for its kind.
func validateScope(s Scope) error {
	if s.Kind == ScopeTable && s.Name == "" {
		return NewConfigError("Scope.Name", s.Name, "table scope requires a non-empty name")
	}
	if s.Kind == ScopeDatabase && s.Name != "" {
		return NewConfigError("Scope.Name", s.Name, "database scope must not carry a name")
	}
	return nil
}
