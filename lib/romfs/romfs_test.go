package romfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"testing"
	"unicode/utf16"

	"github.com/sargunv/ctrtools/lib/treefs"
	"github.com/stretchr/testify/require"
)

func utf16leBytes(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	out := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// buildBareLevel3 assembles a minimal, non-IVFC-wrapped level-3 RomFS
// image with one root file ("hello.txt") and one subdirectory ("sub")
// containing one file ("in_sub.bin"), grounded directly on the field
// layout romfs.go itself decodes.
func buildBareLevel3(t *testing.T) []byte {
	t.Helper()

	subName := utf16leBytes("sub")
	helloName := utf16leBytes("hello.txt")
	inSubName := utf16leBytes("in_sub.bin")

	// Directory metadata table: root entry (offset 0), then "sub" (0x18).
	dirMeta := make([]byte, 0x38)
	putDirEntry := func(buf []byte, off uint32, parent, sibling, child, fileHead uint32, name []byte) {
		binary.LittleEndian.PutUint32(buf[off+0x00:], parent)
		binary.LittleEndian.PutUint32(buf[off+0x04:], sibling)
		binary.LittleEndian.PutUint32(buf[off+0x08:], child)
		binary.LittleEndian.PutUint32(buf[off+0x0C:], fileHead)
		binary.LittleEndian.PutUint32(buf[off+0x10:], noEntry) // hashNext unused by this reader
		binary.LittleEndian.PutUint32(buf[off+0x14:], uint32(len(name)))
		copy(buf[off+0x18:], name)
	}
	putDirEntry(dirMeta, 0x00, 0, noEntry, 0x18, 0x00, nil)
	putDirEntry(dirMeta, 0x18, 0, noEntry, noEntry, 0x34, subName)

	// File metadata table: "hello.txt" in root (offset 0), "in_sub.bin"
	// in "sub" (offset 0x34).
	fileMeta := make([]byte, 0x68)
	putFileEntry := func(buf []byte, off uint32, parent, sibling uint32, dataOffset, size int64, name []byte) {
		binary.LittleEndian.PutUint32(buf[off+0x00:], parent)
		binary.LittleEndian.PutUint32(buf[off+0x04:], sibling)
		binary.LittleEndian.PutUint64(buf[off+0x08:], uint64(dataOffset))
		binary.LittleEndian.PutUint64(buf[off+0x10:], uint64(size))
		binary.LittleEndian.PutUint32(buf[off+0x18:], noEntry) // hashNext unused by this reader
		binary.LittleEndian.PutUint32(buf[off+0x1C:], uint32(len(name)))
		copy(buf[off+0x20:], name)
	}
	putFileEntry(fileMeta, 0x00, 0, noEntry, 0, 5, helloName)
	putFileEntry(fileMeta, 0x34, 0x18, noEntry, 5, 6, inSubName)

	fileData := append([]byte("hello"), []byte("World!")...)

	hdr := make([]byte, level3HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0x00:], level3HeaderSize) // headerLength
	binary.LittleEndian.PutUint32(hdr[0x04:], level3HeaderSize) // dirHashOffset (unused, length 0)
	binary.LittleEndian.PutUint32(hdr[0x08:], 0)                // dirHashLength
	dirMetaOffset := uint32(level3HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0x0C:], dirMetaOffset)
	binary.LittleEndian.PutUint32(hdr[0x10:], uint32(len(dirMeta)))
	fileHashOffset := dirMetaOffset + uint32(len(dirMeta))
	binary.LittleEndian.PutUint32(hdr[0x14:], fileHashOffset)
	binary.LittleEndian.PutUint32(hdr[0x18:], 0) // fileHashLength
	fileMetaOffset := fileHashOffset
	binary.LittleEndian.PutUint32(hdr[0x1C:], fileMetaOffset)
	binary.LittleEndian.PutUint32(hdr[0x20:], uint32(len(fileMeta)))
	fileDataOffset := fileMetaOffset + uint32(len(fileMeta))
	binary.LittleEndian.PutUint32(hdr[0x24:], fileDataOffset)

	var out bytes.Buffer
	out.Write(hdr)
	out.Write(dirMeta)
	out.Write(fileMeta)
	out.Write(fileData)
	return out.Bytes()
}

func TestParseBareLevel3AndListDir(t *testing.T) {
	data := buildBareLevel3(t)
	fs, err := Parse(bytes.NewReader(data), Options{})
	require.NoError(t, err)

	names, err := fs.ListDir("/")
	require.NoError(t, err)
	sort.Strings(names)
	require.Equal(t, []string{"hello.txt", "sub"}, names)

	subNames, err := fs.ListDir("/sub")
	require.NoError(t, err)
	require.Equal(t, []string{"in_sub.bin"}, subNames)
}

func TestRomFSGetInfoAndExists(t *testing.T) {
	data := buildBareLevel3(t)
	fs, err := Parse(bytes.NewReader(data), Options{})
	require.NoError(t, err)

	info, err := fs.GetInfo("/hello.txt")
	require.NoError(t, err)
	require.True(t, info.IsFile)
	require.Equal(t, int64(5), info.Size)

	info, err = fs.GetInfo("/sub")
	require.NoError(t, err)
	require.True(t, info.IsDir)

	require.True(t, fs.Exists("/sub/in_sub.bin"))
	require.False(t, fs.Exists("/nope"))
}

func TestRomFSOpenAndRead(t *testing.T) {
	data := buildBareLevel3(t)
	fs, err := Parse(bytes.NewReader(data), Options{})
	require.NoError(t, err)

	f, err := fs.Open("/hello.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.NoError(t, f.Close())

	f2, err := fs.Open("/sub/in_sub.bin")
	require.NoError(t, err)
	got2, err := io.ReadAll(f2)
	require.NoError(t, err)
	require.Equal(t, "World!", string(got2))
	require.NoError(t, f2.Close())
}

func TestRomFSOpenSeekAndReadAt(t *testing.T) {
	data := buildBareLevel3(t)
	fs, err := Parse(bytes.NewReader(data), Options{})
	require.NoError(t, err)

	f, err := fs.Open("/sub/in_sub.bin")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 3)
	n, err := f.ReadAt(buf, 2)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "rld", string(buf))

	pos, err := f.Seek(1, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(1), pos)
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "orld!", string(rest))
}

func TestRomFSWalkVisitsEveryFile(t *testing.T) {
	data := buildBareLevel3(t)
	fs, err := Parse(bytes.NewReader(data), Options{})
	require.NoError(t, err)

	visited := map[string]treefs.Info{}
	err = fs.Walk("/", func(path string, info treefs.Info) error {
		visited[path] = info
		return nil
	})
	require.NoError(t, err)

	require.Contains(t, visited, "/hello.txt")
	require.Contains(t, visited, "/sub/in_sub.bin")
	require.Equal(t, int64(5), visited["/hello.txt"].Size)
	require.Equal(t, int64(6), visited["/sub/in_sub.bin"].Size)
}

func TestRomFSScanDir(t *testing.T) {
	data := buildBareLevel3(t)
	fs, err := Parse(bytes.NewReader(data), Options{})
	require.NoError(t, err)

	entries, err := fs.ScanDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries["hello.txt"].IsFile)
	require.True(t, entries["sub"].IsDir)
}

func TestRomFSIgnoreCaseOption(t *testing.T) {
	data := buildBareLevel3(t)
	fs, err := Parse(bytes.NewReader(data), Options{IgnoreCase: true})
	require.NoError(t, err)

	require.True(t, fs.Exists("/HELLO.TXT"))
	require.True(t, fs.Exists("/Sub/In_Sub.Bin"))
}

func TestParseRejectsMalformedLevel3Header(t *testing.T) {
	data := buildBareLevel3(t)
	// Corrupt the headerLength field so it no longer matches level3HeaderSize.
	binary.LittleEndian.PutUint32(data[0:4], 0xFF)
	_, err := Parse(bytes.NewReader(data), Options{})
	require.Error(t, err)
}
