package evfs

// CipherSuite selects the AEAD construction used for page encryption
// and DEK wrapping.
type CipherSuite uint8

const (
	// CipherAuto selects AES-256-GCM. Reserved for future hardware
	// capability detection (AES-NI probing).
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 in Galois/Counter Mode.
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20-Poly1305.
	CipherChaCha20Poly1305
)

// String returns the human-readable name of the cipher suite.
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// resolve maps CipherAuto to a concrete suite.
func (c CipherSuite) resolve() CipherSuite {
	if c == CipherAuto {
		return CipherAES256GCM
	}
	return c
}

// ScopeKind distinguishes a database-wide DEK from a (reserved)
// per-table DEK. See spec §3 "Scope".
type ScopeKind uint8

const (
	// ScopeDatabase covers every encrypted page of the database.
	ScopeDatabase ScopeKind = iota
	// ScopeTable is a reserved extension point. The page I/O engine
	// never constructs one; see DESIGN.md "scope granularity".
	ScopeTable
)

// Scope identifies the binding domain of a data encryption key.
type Scope struct {
	Kind ScopeKind
	Name string // empty for ScopeDatabase
}

// DatabaseScope is the single scope used by the page I/O engine.
func DatabaseScope() Scope { return Scope{Kind: ScopeDatabase} }

// TableScope constructs a reserved per-table scope. No component in
// this module's page I/O path resolves to it today.
func TableScope(name string) Scope { return Scope{Kind: ScopeTable, Name: name} }

func (s Scope) String() string {
	if s.Kind == ScopeDatabase {
		return "database"
	}
	return "table:" + s.Name
}

// ParallelConfig controls the multi-page parallel codec path used by
// the page I/O engine for large contiguous reads/writes (spec §4.4,
// expanded in SPEC_FULL.md §4.4.1).
type ParallelConfig struct {
	// Enabled turns on worker-pool fan-out for spans of pages.
	Enabled bool

	// MaxWorkers bounds the goroutine pool. Zero defaults to
	// runtime.NumCPU().
	MaxWorkers int

	// MinPagesForParallel is the minimum span length, in pages,
	// before the parallel path is used. Below it, pages are
	// encrypted/decrypted sequentially on the calling goroutine.
	MinPagesForParallel int
}

// DefaultParallelConfig returns the default multi-page codec tuning.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:             true,
		MaxWorkers:          0,
		MinPagesForParallel: 4,
	}
}

func (p ParallelConfig) validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxWorkers < 0 {
		return NewConfigError("Parallel.MaxWorkers", p.MaxWorkers, "cannot be negative")
	}
	if p.MinPagesForParallel < 1 {
		return NewConfigError("Parallel.MinPagesForParallel", p.MinPagesForParallel, "must be at least 1")
	}
	return nil
}

const (
	// DefaultPageSize is the page size used when Options.PageSize is zero.
	DefaultPageSize = 4096
	// DefaultReserveSize is the reserved-tail size used when
	// Options.ReserveSize is zero.
	DefaultReserveSize = 48
	// MinReserveSize is TagLen (16) + MarkerLen (6), the smallest
	// reserved tail that can hold a trailer (spec §3).
	MinReserveSize = TagLen + MarkerLen
	// DefaultVFSName is the VFS name used when Options.VFSName is empty.
	DefaultVFSName = "evfs"
	// KeyfileEnvVar is the environment variable that may supply the
	// DeviceKeyProvider keyfile path (spec §6).
	KeyfileEnvVar = "EVFS_KEYFILE"
	// KeyringSuffix is appended to the database path to form the
	// sidecar path (spec §3, §6).
	KeyringSuffix = ".evfs-keyring"
)

// Options is the builder surface for registering an encrypted VFS
// (spec §6 "Configuration surface").
type Options struct {
	// KeyProvider supplies the key-encryption key. Exactly one of
	// NewDeviceKeyProvider / NewTenantKeyProvider is normally used.
	KeyProvider KeyProvider

	// Cipher selects the AEAD suite for both page encryption and DEK
	// wrapping. Zero value (CipherAuto) resolves to AES-256-GCM.
	Cipher CipherSuite

	// VFSName is the name under which the VFS is registered. Default "evfs".
	VFSName string

	// PageSize is the page size in bytes; must be a power of two in
	// [512, 65536]. Default 4096.
	PageSize int

	// ReserveSize is the size of the reserved tail in bytes; must be
	// at least MinReserveSize. Default 48.
	ReserveSize int

	// UnderlyingVFS names the platform VFS non-data-path operations
	// forward to. Empty means the platform default. Register rejects
	// any name not recognized as an alias for that default (see
	// underlying.go); this core does not bridge into other registered
	// VFSes.
	UnderlyingVFS string

	// Parallel tunes the multi-page parallel codec path.
	Parallel ParallelConfig

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger Logger
}

// Validate checks the options for internal consistency. It does not
// contact the key provider; KEK materialization happens in Register.
func (o *Options) Validate() error {
	if o == nil {
		return ErrNilOptions
	}
	if o.KeyProvider == nil {
		return ErrNilKeyProvider
	}
	switch o.Cipher {
	case CipherAuto, CipherAES256GCM, CipherChaCha20Poly1305:
	default:
		return NewConfigError("Cipher", o.Cipher, "unsupported cipher suite")
	}
	pageSize := o.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 512 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return NewConfigError("PageSize", pageSize, "must be a power of two between 512 and 65536")
	}
	reserveSize := o.ReserveSize
	if reserveSize == 0 {
		reserveSize = DefaultReserveSize
	}
	if reserveSize < MinReserveSize {
		return NewConfigError("ReserveSize", reserveSize, "must be at least TagLen+MarkerLen (22)")
	}
	if reserveSize >= pageSize {
		return NewConfigError("ReserveSize", reserveSize, "must be smaller than PageSize")
	}
	if reserveSize > 255 {
		return NewConfigError("ReserveSize", reserveSize, "must fit in the single-byte SQLite reserved-bytes header field")
	}
	return o.Parallel.validate()
}

// pageSize returns the effective page size, applying the default.
func (o *Options) pageSize() int {
	if o.PageSize == 0 {
		return DefaultPageSize
	}
	return o.PageSize
}

// reserveSize returns the effective reserve size, applying the default.
func (o *Options) reserveSize() int {
	if o.ReserveSize == 0 {
		return DefaultReserveSize
	}
	return o.ReserveSize
}

// vfsName returns the effective VFS name, applying the default.
func (o *Options) vfsName() string {
	if o.VFSName == "" {
		return DefaultVFSName
	}
	return o.VFSName
}
