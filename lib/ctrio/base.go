// Package ctrio provides the seekable sub-region and concatenation
// primitives every higher-level reader in this module builds
// its decrypted views on top of.
//
// The shape mirrors the teacher's container abstractions
// (internal/container/folder, internal/util.FileContainer): a small
// interface implemented over a base stream, handed out to callers as an
// opaque io.ReaderAt/io.WriterAt/io.Seeker. Unlike the teacher's
// read-only identification containers, these views are read/write and
// nest arbitrarily deep, since a decrypted NCCH ExeFS region can itself
// contain further encrypted RomFS sub-regions.
package ctrio

import (
	"io"
	"sync"
	"unsafe"
)

// Stream is the minimal base stream every sub-view is built over.
type Stream interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// SharedBase wraps a Stream with a mutex so concurrent SubRegions and
// CipherViews built over the same underlying stream serialize their
// seek+read / seek+write pairs. Different SharedBases are independent.
type SharedBase struct {
	mu     sync.Mutex
	stream Stream
}

// NewSharedBase wraps a raw stream for sharing across sub-views.
func NewSharedBase(s Stream) *SharedBase {
	return &SharedBase{stream: s}
}

// WithLock performs a seek to off followed by fn(stream), holding the
// base's mutex for the duration. fn is expected to perform exactly one
// Read or Write call.
func (b *SharedBase) WithLock(off int64, fn func(s Stream) (int, error)) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.stream.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return fn(b.stream)
}

// Close closes the underlying stream. Owners call this once all sub-views
// derived from it are done; SubRegion and Concat's own Close methods are
// no-ops so sub-views never close the base out from under a sibling.
func (b *SharedBase) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream.Close()
}

// Identity returns a comparable token identifying this base, used to
// build cache keys for already-opened sub-views (see Key).
func (b *SharedBase) Identity() uintptr {
	return uintptr(unsafe.Pointer(b))
}
