// Package exefs parses the ExeFS directory header and exposes named
// sub-files plus `.code` LZSS decompression (spec §3 "ExeFS", §4.4).
package exefs

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/sargunv/ctrtools/internal/util"
	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

const (
	HeaderSize  = 0x200
	EntryCount  = 10
	entrySize   = 16
	hashSize    = 32
	hashesStart = HeaderSize - EntryCount*hashSize
)

// Entry is one ExeFS directory entry.
type Entry struct {
	Name   string
	Offset uint32 // relative to end of the 0x200 header
	Size   uint32
	Hash   [32]byte // SHA-256 of the decrypted entry data
}

// Source is the minimal decrypted-stream surface exefs.Parse needs.
type Source interface {
	io.ReaderAt
}

// Reader exposes an ExeFS's named entries over an already-decrypted
// source stream (typically an *ncch.ExeFSView).
type Reader struct {
	source  Source
	entries []Entry
}

// Parse reads the 0x200-byte ExeFS header from source and validates
// entries are within bounds.
func Parse(source Source) (*Reader, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := source.ReadAt(hdr, 0); err != nil && err != io.EOF {
		return nil, ctrerrors.IO("reading exefs header", err)
	}

	entries := make([]Entry, 0, EntryCount)
	for i := 0; i < EntryCount; i++ {
		raw := hdr[i*entrySize : (i+1)*entrySize]
		name := util.ExtractASCII(raw[0:8])
		if name == "" {
			continue
		}
		e := Entry{
			Name:   name,
			Offset: binary.LittleEndian.Uint32(raw[8:12]),
			Size:   binary.LittleEndian.Uint32(raw[12:16]),
		}
		// Hashes are stored in reverse entry order immediately before the
		// header ends (spec §4.4).
		hashOff := hashesStart + (EntryCount-1-i)*hashSize
		copy(e.Hash[:], hdr[hashOff:hashOff+hashSize])
		entries = append(entries, e)
	}
	return &Reader{source: source, entries: entries}, nil
}

// Entries returns the parsed, non-empty directory entries.
func (r *Reader) Entries() []Entry { return r.entries }

func (r *Reader) find(name string) (Entry, bool) {
	for _, e := range r.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Open returns a reader over the named entry's decrypted data.
func (r *Reader) Open(name string) (io.Reader, error) {
	e, ok := r.find(name)
	if !ok {
		return nil, ctrerrors.New(ctrerrors.KindInvalidHeader, "exefs entry not found: "+name)
	}
	buf := make([]byte, e.Size)
	absOff := int64(HeaderSize) + int64(e.Offset)
	if _, err := r.source.ReadAt(buf, absOff); err != nil && err != io.EOF {
		return nil, ctrerrors.IO("reading exefs entry "+name, err)
	}
	return &sliceReader{data: buf}, nil
}

// VerifyHash reports whether the named entry's stored hash matches its
// decrypted content.
func (r *Reader) VerifyHash(name string) (bool, error) {
	e, ok := r.find(name)
	if !ok {
		return false, ctrerrors.New(ctrerrors.KindInvalidHeader, "exefs entry not found: "+name)
	}
	buf := make([]byte, e.Size)
	if _, err := r.source.ReadAt(buf, int64(HeaderSize)+int64(e.Offset)); err != nil && err != io.EOF {
		return false, ctrerrors.IO("reading exefs entry "+name, err)
	}
	sum := sha256.Sum256(buf)
	return sum == e.Hash, nil
}

type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}
