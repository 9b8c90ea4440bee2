// Package romfs parses the IVFC + level-3 RomFS tree embedded in an NCCH
// and exposes it as a treefs.FS (spec §3 "RomFS IVFC + Level 3", §4.5).
package romfs

import (
	"encoding/binary"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/treefs"
)

const (
	ivfcMagic       = "IVFC"
	ivfcHeaderSize  = 0x5C
	level3OffsetOff = 0x4C // within the IVFC header: u64 level-3 logical offset

	level3HeaderSize = 0x28
)

type level3Header struct {
	headerLength      uint32
	dirHashOffset     uint32
	dirHashLength     uint32
	dirMetaOffset     uint32
	dirMetaLength     uint32
	fileHashOffset    uint32
	fileHashLength    uint32
	fileMetaOffset    uint32
	fileMetaLength    uint32
	fileDataOffset    uint32
}

const noEntry = 0xFFFFFFFF

type dirEntry struct {
	parent, sibling, child, fileHead, hashNext uint32
	name                                       string
}

type fileEntry struct {
	parent, sibling, hashNext uint32
	offset, size              int64
	name                      string
}

// Source is the minimal decrypted-stream surface romfs.Parse needs.
type Source interface {
	io.ReaderAt
}

// FS is a parsed RomFS tree, implementing treefs.FS.
type FS struct {
	source   Source
	l3       level3Header
	l3Base   int64 // absolute offset of the level-3 section within source
	dirs     map[uint32]dirEntry
	files    map[uint32]fileEntry
	pathsByDir  map[string]uint32 // canonical "/" path -> dir meta offset
	pathsByFile map[string]uint32 // canonical "/" path -> file meta offset
	ignoreCase bool
}

// Options configure Parse.
type Options struct {
	// IgnoreCase lowercases every path component before lookup, matching
	// case-insensitive platforms (spec §4.5).
	IgnoreCase bool
}

// Parse detects the IVFC-wrapped or bare level-3 layout and builds an
// in-memory index of the directory/file tree.
func Parse(source Source, opts Options) (*FS, error) {
	var magic [4]byte
	if _, err := source.ReadAt(magic[:], 0); err != nil && err != io.EOF {
		return nil, ctrerrors.IO("reading romfs magic", err)
	}

	l3Base := int64(0)
	if string(magic[:]) == ivfcMagic {
		ivfcHdr := make([]byte, ivfcHeaderSize)
		if _, err := source.ReadAt(ivfcHdr, 0); err != nil && err != io.EOF {
			return nil, ctrerrors.IO("reading ivfc header", err)
		}
		l3Base = int64(binary.LittleEndian.Uint64(ivfcHdr[level3OffsetOff:]))
	}

	l3Hdr := make([]byte, level3HeaderSize)
	if _, err := source.ReadAt(l3Hdr, l3Base); err != nil && err != io.EOF {
		return nil, ctrerrors.IO("reading romfs level-3 header", err)
	}
	l3 := level3Header{
		headerLength:   binary.LittleEndian.Uint32(l3Hdr[0x00:]),
		dirHashOffset:  binary.LittleEndian.Uint32(l3Hdr[0x04:]),
		dirHashLength:  binary.LittleEndian.Uint32(l3Hdr[0x08:]),
		dirMetaOffset:  binary.LittleEndian.Uint32(l3Hdr[0x0C:]),
		dirMetaLength:  binary.LittleEndian.Uint32(l3Hdr[0x10:]),
		fileHashOffset: binary.LittleEndian.Uint32(l3Hdr[0x14:]),
		fileHashLength: binary.LittleEndian.Uint32(l3Hdr[0x18:]),
		fileMetaOffset: binary.LittleEndian.Uint32(l3Hdr[0x1C:]),
		fileMetaLength: binary.LittleEndian.Uint32(l3Hdr[0x20:]),
		fileDataOffset: binary.LittleEndian.Uint32(l3Hdr[0x24:]),
	}
	if string(magic[:]) != ivfcMagic && l3.headerLength != level3HeaderSize {
		return nil, ctrerrors.InvalidHeader("RomFS", l3Base)
	}

	fs := &FS{
		source:      source,
		l3:          l3,
		l3Base:      l3Base,
		dirs:        make(map[uint32]dirEntry),
		files:       make(map[uint32]fileEntry),
		pathsByDir:  make(map[string]uint32),
		pathsByFile: make(map[string]uint32),
		ignoreCase:  opts.IgnoreCase,
	}
	if err := fs.loadDirMeta(); err != nil {
		return nil, err
	}
	if err := fs.loadFileMeta(); err != nil {
		return nil, err
	}
	fs.indexTree(0, "/")
	return fs, nil
}

func (fs *FS) abs(sectionOffset, within uint32) int64 {
	return fs.l3Base + int64(sectionOffset) + int64(within)
}

// loadDirMeta walks the directory metadata table sequentially, parsing
// every entry it can fully read (entries are variable-length: a fixed
// 0x18-byte head followed by a UTF-16LE name padded to 4 bytes).
func (fs *FS) loadDirMeta() error {
	buf := make([]byte, fs.l3.dirMetaLength)
	if fs.l3.dirMetaLength > 0 {
		if _, err := fs.source.ReadAt(buf, fs.abs(fs.l3.dirMetaOffset, 0)); err != nil && err != io.EOF {
			return ctrerrors.IO("reading romfs dir meta table", err)
		}
	}
	off := uint32(0)
	for off+0x18 <= uint32(len(buf)) {
		head := buf[off : off+0x18]
		nameLen := binary.LittleEndian.Uint32(head[0x14:])
		nameEnd := off + 0x18 + nameLen
		if nameEnd > uint32(len(buf)) {
			break
		}
		name := decodeUTF16LE(buf[off+0x18 : nameEnd])
		fs.dirs[off] = dirEntry{
			parent:   binary.LittleEndian.Uint32(head[0x00:]),
			sibling:  binary.LittleEndian.Uint32(head[0x04:]),
			child:    binary.LittleEndian.Uint32(head[0x08:]),
			fileHead: binary.LittleEndian.Uint32(head[0x0C:]),
			hashNext: binary.LittleEndian.Uint32(head[0x10:]),
			name:     name,
		}
		off = align4(nameEnd)
	}
	return nil
}

func (fs *FS) loadFileMeta() error {
	buf := make([]byte, fs.l3.fileMetaLength)
	if fs.l3.fileMetaLength > 0 {
		if _, err := fs.source.ReadAt(buf, fs.abs(fs.l3.fileMetaOffset, 0)); err != nil && err != io.EOF {
			return ctrerrors.IO("reading romfs file meta table", err)
		}
	}
	off := uint32(0)
	for off+0x20 <= uint32(len(buf)) {
		head := buf[off : off+0x20]
		nameLen := binary.LittleEndian.Uint32(head[0x1C:])
		nameEnd := off + 0x20 + nameLen
		if nameEnd > uint32(len(buf)) {
			break
		}
		name := decodeUTF16LE(buf[off+0x20 : nameEnd])
		fs.files[off] = fileEntry{
			parent:   binary.LittleEndian.Uint32(head[0x00:]),
			sibling:  binary.LittleEndian.Uint32(head[0x04:]),
			offset:   int64(binary.LittleEndian.Uint64(head[0x08:])),
			size:     int64(binary.LittleEndian.Uint64(head[0x10:])),
			hashNext: binary.LittleEndian.Uint32(head[0x18:]),
			name:     name,
		}
		off = align4(nameEnd)
	}
	return nil
}

// indexTree walks the directory/file linked lists from the root
// (meta offset 0) building canonical path indexes, since this
// implementation favors a direct map index over replicating the
// on-disk bucket hash function bit-for-bit (DESIGN.md).
func (fs *FS) indexTree(dirOff uint32, path string) {
	d, ok := fs.dirs[dirOff]
	if !ok {
		return
	}
	fs.pathsByDir[fs.canon(path)] = dirOff

	for childOff := d.child; childOff != noEntry; {
		child, ok := fs.dirs[childOff]
		if !ok {
			break
		}
		fs.indexTree(childOff, joinPath(path, child.name))
		childOff = child.sibling
	}
	for fileOff := d.fileHead; fileOff != noEntry; {
		f, ok := fs.files[fileOff]
		if !ok {
			break
		}
		fs.pathsByFile[fs.canon(joinPath(path, f.name))] = fileOff
		fileOff = f.sibling
	}
}

func (fs *FS) canon(path string) string {
	if fs.ignoreCase {
		return strings.ToLower(path)
	}
	return path
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func align4(v uint32) uint32 { return (v + 3) &^ 3 }

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

// --- treefs.FS ---

func (fs *FS) ListDir(path string) ([]string, error) {
	dirOff, ok := fs.pathsByDir[fs.canon(path)]
	if !ok {
		return nil, ctrerrors.New(ctrerrors.KindInvalidHeader, "romfs: no such directory: "+path)
	}
	d := fs.dirs[dirOff]
	var names []string
	for childOff := d.child; childOff != noEntry; {
		child, ok := fs.dirs[childOff]
		if !ok {
			break
		}
		names = append(names, child.name)
		childOff = child.sibling
	}
	for fileOff := d.fileHead; fileOff != noEntry; {
		f, ok := fs.files[fileOff]
		if !ok {
			break
		}
		names = append(names, f.name)
		fileOff = f.sibling
	}
	return names, nil
}

func (fs *FS) GetInfo(path string) (treefs.Info, error) {
	if off, ok := fs.pathsByFile[fs.canon(path)]; ok {
		return treefs.Info{Size: fs.files[off].size, IsFile: true}, nil
	}
	if _, ok := fs.pathsByDir[fs.canon(path)]; ok {
		return treefs.Info{IsDir: true}, nil
	}
	return treefs.Info{}, ctrerrors.New(ctrerrors.KindInvalidHeader, "romfs: no such path: "+path)
}

func (fs *FS) Exists(path string) bool {
	_, isFile := fs.pathsByFile[fs.canon(path)]
	_, isDir := fs.pathsByDir[fs.canon(path)]
	return isFile || isDir
}

func (fs *FS) Open(path string) (treefs.File, error) {
	off, ok := fs.pathsByFile[fs.canon(path)]
	if !ok {
		return nil, ctrerrors.New(ctrerrors.KindInvalidHeader, "romfs: no such file: "+path)
	}
	f := fs.files[off]
	base := fs.abs(fs.l3.fileDataOffset, 0) + f.offset
	return &fileHandle{source: fs.source, base: base, size: f.size}, nil
}

func (fs *FS) ScanDir(path string) (map[string]treefs.Info, error) {
	names, err := fs.ListDir(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]treefs.Info, len(names))
	for _, name := range names {
		info, err := fs.GetInfo(joinPath(path, name))
		if err != nil {
			return nil, err
		}
		out[name] = info
	}
	return out, nil
}

func (fs *FS) Walk(path string, fn func(path string, info treefs.Info) error) error {
	names, err := fs.ListDir(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		childPath := joinPath(path, name)
		info, err := fs.GetInfo(childPath)
		if err != nil {
			return err
		}
		if info.IsFile {
			if err := fn(childPath, info); err != nil {
				return err
			}
		} else {
			if err := fs.Walk(childPath, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

type fileHandle struct {
	source Source
	base   int64
	size   int64
	cursor int64
}

func (f *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > f.size {
		n = f.size - off
	}
	read, err := f.source.ReadAt(p[:n], f.base+off)
	if err != nil && err != io.EOF {
		return read, err
	}
	if int64(read) < int64(len(p)) {
		return read, io.EOF
	}
	return read, nil
}

func (f *fileHandle) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.cursor)
	f.cursor += int64(n)
	return n, err
}

func (f *fileHandle) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.cursor + offset
	case io.SeekEnd:
		target = f.size + offset
	}
	f.cursor = target
	return target, nil
}

func (f *fileHandle) Close() error { return nil }
