// Package evfs provides a transparent, page-granular at-rest encryption
// layer for SQLite by implementing a custom Virtual File System (VFS).
//
// # Overview
//
// evfs registers a named VFS with the host SQLite driver
// (github.com/mattn/go-sqlite3, via github.com/psanford/sqlite3vfs).
// Applications open databases against that VFS name and otherwise see
// no behavioral change: every page after page 1 is encrypted on the
// way to disk and decrypted on the way back, with the authentication
// tag living in each page's reserved tail.
//
// # Supported Cipher Suites
//
//   - AES-256-GCM: the default, hardware-accelerated on most modern CPUs
//   - ChaCha20-Poly1305: software-friendly alternative
//
// Both are AEAD constructions: the ciphertext is bound to its page
// number via additional authenticated data, so swapping two on-disk
// pages breaks verification instead of silently corrupting data.
//
// # Basic Usage
//
//	opts := &evfs.Options{
//	    KeyProvider: evfs.NewDeviceKeyProvider(evfs.DeviceKeyConfig{
//	        Passphrase: []byte("correct horse battery staple"),
//	    }),
//	    PageSize:    4096,
//	    ReserveSize: 48,
//	}
//
//	if err := evfs.Register("evfs", opts); err != nil {
//	    log.Fatal(err)
//	}
//
//	db, err := sql.Open("sqlite3", "file:app.db?vfs=evfs")
//
// # Security Considerations
//
// Protected against: unauthorized access to a stolen database file,
// tampering with individual pages (AEAD authentication), and page
// reordering (page number is bound into the AEAD associated data).
//
// Not protected against: schema metadata leakage (page 1 is always
// plaintext — the engine must read the header to open the database),
// recovery from rollback journal / WAL / temp file artifacts (those
// files pass through unencrypted), key rotation, or an attacker with
// read-write access to the live process's memory.
//
// # On-disk Layout
//
// Page 1 is stored verbatim. Every page n >= 2 is laid out as:
//
//	[ payload: P-R bytes, encrypted in place ][ tag: 16 B ][ marker: "EVFSv1" ][ zero pad ]
//
// A wrapped data-encryption key sidecar lives beside the database at
// <db_path>.evfs-keyring; see Keyring for its format.
package evfs
