package evfs

import (
	"sync"
	"sync/atomic"
)

// rawFile is the minimal surface pageEngine needs from the underlying
// platform file. sqlite3vfs.File satisfies it; tests substitute a
// smaller fake.
type rawFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	FileSize() (int64, error)
}

// pageEngine implements C4: it translates arbitrary-offset,
// arbitrary-length ReadAt/WriteAt calls from SQLite into whole-page
// encrypt/decrypt operations against the underlying file, read-modify-
// write style. Page 1 is always read and written as plaintext (spec
// §4.4 "page-1 exception").
type pageEngine struct {
	base        rawFile
	dek         []byte
	suite       CipherSuite
	pageSize    int
	reserveSize int
	payloadSize int
	parallel    ParallelConfig
	logger      Logger

	// pendingHeaderInit is set when this handle created a database
	// file that has no usable SQLite header yet (spec §4.5). The next
	// write touching page 1 forces byte 20 to reserveSize instead of
	// merely trusting whatever the engine wrote, then clears itself.
	pendingHeaderInit atomic.Bool

	mu sync.Mutex // not taken by any method: engineFor builds a fresh AEAD engine per call, so page ops share no mutable crypto state
}

// newPageEngine constructs a pageEngine for one open main database
// file handle. pendingHeaderInit should be true when the caller
// determined (via needsHeaderInit) that the platform file has no
// usable header yet.
func newPageEngine(base rawFile, dek []byte, suite CipherSuite, pageSize, reserveSize int, parallel ParallelConfig, logger Logger, pendingHeaderInit bool) *pageEngine {
	if logger == nil {
		logger = newNopLogger()
	}
	e := &pageEngine{
		base:        base,
		dek:         dek,
		suite:       suite,
		pageSize:    pageSize,
		reserveSize: reserveSize,
		payloadSize: pageSize - reserveSize,
		parallel:    parallel,
		logger:      logger,
	}
	e.pendingHeaderInit.Store(pendingHeaderInit)
	return e
}

// pageSpan describes the inclusive range of page numbers [first,last]
// touched by an I/O request, 1-indexed per SQLite convention.
type pageSpan struct {
	first, last uint64
}

func (s pageSpan) count() int { return int(s.last-s.first) + 1 }

// span computes which pages [first,last] an offset/length request
// touches, given the page size.
func (e *pageEngine) span(off int64, length int) pageSpan {
	first := uint64(off)/uint64(e.pageSize) + 1
	lastByte := off + int64(length) - 1
	if lastByte < off {
		lastByte = off
	}
	last := uint64(lastByte)/uint64(e.pageSize) + 1
	return pageSpan{first: first, last: last}
}

// pageOffset returns the byte offset of the start of page n (1-indexed).
func (e *pageEngine) pageOffset(n uint64) int64 {
	return int64(n-1) * int64(e.pageSize)
}

// ReadAt implements the page I/O read path (spec §4.4): read the full
// pages spanning [off, off+len(p)), decrypt each in place (page 1
// excepted), then copy the requested sub-window into p.
func (e *pageEngine) ReadAt(p []byte, off int64) (int, error) {
	if err := validateOffset(off, "off"); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	sp := e.span(off, len(p))
	pageBufs := make([][]byte, sp.count())
	for i := range pageBufs {
		pageBufs[i] = make([]byte, e.pageSize)
	}

	for i := 0; i < sp.count(); i++ {
		pageNo := sp.first + uint64(i)
		n, err := e.base.ReadAt(pageBufs[i], e.pageOffset(pageNo))
		if err != nil && n == 0 {
			return 0, NewIoError("read", "", e.pageOffset(pageNo), err)
		}
		// short reads (page not yet written) are left zero-filled,
		// matching SQLite's expectation of reading past current EOF
		// inside the last allocated page.
	}

	if err := e.decryptSpan(sp, pageBufs); err != nil {
		return 0, err
	}

	return e.gather(p, off, sp, pageBufs), nil
}

// WriteAt implements the page I/O write path (spec §4.4). Pages fully
// covered by the write are overwritten directly, skipping the
// read-back; partially covered boundary pages are read, decrypted,
// patched, and re-encrypted.
func (e *pageEngine) WriteAt(p []byte, off int64) (int, error) {
	if err := validateOffset(off, "off"); err != nil {
		return 0, err
	}
	if err := validateBuffer(p, "p", 0); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	sp := e.span(off, len(p))
	pageBufs := make([][]byte, sp.count())

	for i := 0; i < sp.count(); i++ {
		pageNo := sp.first + uint64(i)
		pageStart := e.pageOffset(pageNo)
		pageEnd := pageStart + int64(e.pageSize)
		fullyCovered := off <= pageStart && off+int64(len(p)) >= pageEnd

		if fullyCovered {
			buf := make([]byte, e.pageSize)
			copy(buf, p[pageStart-off:pageEnd-off])
			pageBufs[i] = buf
			continue
		}

		buf := make([]byte, e.pageSize)
		n, err := e.base.ReadAt(buf, pageStart)
		if err != nil && n == 0 && pageNo != 1 {
			// Treat a short/empty read as an all-zero page (page does
			// not exist yet); still go through the codec so its
			// reserved tail is populated.
		} else if err != nil && n < e.pageSize {
			// Partial read beyond current EOF: zero-fill the tail,
			// keep what was read.
		}
		if pageNo != 1 {
			if status, derr := decryptPage(buf, pageNo, e.engineFor(), e.payloadSize, e.reserveSize); derr != nil {
				return 0, derr
			} else if status == PagePlaintext {
				// leave as-is; plaintext page gets encrypted below
			}
		}

		// patch the overlapping window with the caller's data
		lo := int64(0)
		if off > pageStart {
			lo = off - pageStart
		}
		hi := int64(e.pageSize)
		if off+int64(len(p)) < pageEnd {
			hi = off + int64(len(p)) - pageStart
		}
		srcLo := pageStart + lo - off
		srcHi := pageStart + hi - off
		copy(buf[lo:hi], p[srcLo:srcHi])
		pageBufs[i] = buf
	}

	if sp.first == 1 && e.pendingHeaderInit.Load() {
		enforceHeaderReserve(pageBufs[0], e.reserveSize)
		e.pendingHeaderInit.Store(false)
	}

	if err := e.encryptSpan(sp, pageBufs); err != nil {
		return 0, err
	}

	for i := 0; i < sp.count(); i++ {
		pageNo := sp.first + uint64(i)
		if _, err := e.base.WriteAt(pageBufs[i], e.pageOffset(pageNo)); err != nil {
			return 0, NewIoError("write", "", e.pageOffset(pageNo), err)
		}
	}

	return len(p), nil
}

// gather copies the requested [off, off+len(p)) window out of the
// decrypted page buffers into p, returning the number of bytes copied.
func (e *pageEngine) gather(p []byte, off int64, sp pageSpan, pageBufs [][]byte) int {
	copied := 0
	for i := 0; i < sp.count(); i++ {
		pageNo := sp.first + uint64(i)
		pageStart := e.pageOffset(pageNo)
		pageEnd := pageStart + int64(e.pageSize)

		lo := int64(0)
		if off > pageStart {
			lo = off - pageStart
		}
		hi := int64(e.pageSize)
		if off+int64(len(p)) < pageEnd {
			hi = off + int64(len(p)) - pageStart
		}
		if hi <= lo {
			continue
		}
		dstLo := pageStart + lo - off
		dstHi := pageStart + hi - off
		n := copy(p[dstLo:dstHi], pageBufs[i][lo:hi])
		copied += n
	}
	return copied
}

// Truncate forwards to the base file. SQLite always truncates to a
// page boundary, so no partial-page re-encryption is needed.
func (e *pageEngine) Truncate(size int64) error {
	if err := e.base.Truncate(size); err != nil {
		return NewIoError("truncate", "", size, err)
	}
	return nil
}

// FileSize forwards to the base file.
func (e *pageEngine) FileSize() (int64, error) {
	size, err := e.base.FileSize()
	if err != nil {
		return 0, NewIoError("filesize", "", -1, err)
	}
	return size, nil
}

// engineFor builds a fresh AEAD engine from the held DEK. Cheap
// enough to construct per call (key schedule only, no KDF) and keeps
// pageEngine itself free of mutable crypto state shared across
// concurrent ReadAt/WriteAt calls.
func (e *pageEngine) engineFor() *aeadEngine {
	eng, err := newAEADEngine(e.suite, e.dek)
	if err != nil {
		// dek and suite are validated at construction time (Register);
		// reaching this indicates a programming error, not a runtime
		// condition callers can recover from.
		panic("evfs: invalid cipher state in pageEngine: " + err.Error())
	}
	return eng
}
