package nand

import (
	"crypto/sha1"
	"encoding/binary"
	"io"
	"testing"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/ctrio"
	"github.com/sargunv/ctrtools/lib/keyengine"
	"github.com/stretchr/testify/require"
)

// memStream is a growable in-memory ctrio.Stream.
type memStream struct {
	buf    []byte
	cursor int64
}

func (m *memStream) Read(p []byte) (int, error) {
	if m.cursor >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.cursor:])
	m.cursor += int64(n)
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	end := m.cursor + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.cursor:], p)
	m.cursor += int64(n)
	return n, nil
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.cursor = offset
	case io.SeekCurrent:
		m.cursor += offset
	case io.SeekEnd:
		m.cursor = int64(len(m.buf)) + offset
	}
	return m.cursor, nil
}

func (m *memStream) Close() error { return nil }

// buildNANDImage assembles a synthetic NCSD header with partition 3
// (AGBSave) present, plus enough trailing bytes to back it.
func buildNANDImage(t *testing.T) []byte {
	t.Helper()
	hdr := make([]byte, 0x200)
	copy(hdr[0x100:], "NCSD")
	// partition 3 (AGBSave): offset=2 units (0x400), size=4 units (0x800)
	const partTableOffset = 0x120
	binary.LittleEndian.PutUint32(hdr[partTableOffset+3*8:], 2)
	binary.LittleEndian.PutUint32(hdr[partTableOffset+3*8+4:], 4)

	total := make([]byte, 0x400+0x800)
	copy(total, hdr)
	return total
}

// buildNANDImageWithTWLNAND assembles a synthetic NCSD header with
// partition 0 (TWLNAND) present; the guarded [0, 0x1BD] range is relative
// to the TWL-NAND sub-view itself, not the image's absolute offset, so
// the partition's own offset need not be 0 for this to exercise the
// write guard.
func buildNANDImageWithTWLNAND(t *testing.T) []byte {
	t.Helper()
	hdr := make([]byte, 0x200)
	copy(hdr[0x100:], "NCSD")
	// partition 0 (TWLNAND): offset=1 unit (0x200), size=4 units (0x800)
	const partTableOffset = 0x120
	binary.LittleEndian.PutUint32(hdr[partTableOffset:], 1)
	binary.LittleEndian.PutUint32(hdr[partTableOffset+4:], 4)

	total := make([]byte, 0x200+0x800)
	copy(total, hdr)
	return total
}

func openTWLNANDForWrite(t *testing.T) (ctrio.Stream, []byte) {
	t.Helper()
	image := buildNANDImageWithTWLNAND(t)
	base := ctrio.NewSharedBase(&memStream{buf: image})
	engine := keyengine.New()
	var x, y keyengine.Key128
	x[0], y[0] = 0x03, 0x04
	engine.SetKeyslotBytes(0x03, keyengine.WhichX, x)
	engine.SetKeyslotBytes(0x03, keyengine.WhichY, y)

	r, err := Open(engine, base, Options{})
	require.NoError(t, err)
	stream, err := r.OpenDecrypted(SectionTWLNAND)
	require.NoError(t, err)
	return stream, image
}

// TestOpenDecryptedTWLNANDDiscardsHeaderProtectedWrites confirms writes
// landing entirely within raw offset 0x000-0x1BD of the TWL-NAND sub-view
// are silently discarded, leaving the underlying NCSD header bytes
// untouched, while a write starting at 0x1BE proceeds normally.
func TestOpenDecryptedTWLNANDDiscardsHeaderProtectedWrites(t *testing.T) {
	stream, image := openTWLNANDForWrite(t)
	before := append([]byte{}, image...)

	n, err := stream.Write(make([]byte, 0x1BE)) // exactly covers [0, 0x1BD]
	require.NoError(t, err)
	require.Equal(t, 0x1BE, n)
	require.Equal(t, before, image)

	_, err = stream.Seek(0x1BE, io.SeekStart)
	require.NoError(t, err)
	n, err = stream.Write([]byte{0xAA, 0xBB})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NotEqual(t, before, image)
}

// TestOpenDecryptedTWLNANDRejectsWriteCrossingPartitionBoundary confirms a
// write that would extend past the TWL-NAND partition's declared size is
// rejected with KindCrossPartitionWrite rather than silently truncated.
func TestOpenDecryptedTWLNANDRejectsWriteCrossingPartitionBoundary(t *testing.T) {
	stream, _ := openTWLNANDForWrite(t)

	_, err := stream.Seek(0x700, io.SeekStart) // partition size is 0x800
	require.NoError(t, err)
	_, err = stream.Write(make([]byte, 0x200)) // would extend to 0x900
	require.Error(t, err)
	require.True(t, ctrerrors.Is(err, ctrerrors.KindCrossPartitionWrite))
}

// TestOpenTWLPartitionRejectsWriteCrossingMBRPartitionBoundary confirms a
// write past a TWL MBR sub-partition's own declared extent is rejected
// rather than silently truncated.
func TestOpenTWLPartitionRejectsWriteCrossingMBRPartitionBoundary(t *testing.T) {
	hdr := make([]byte, 0x200)
	copy(hdr[0x100:], "NCSD")
	// partition 0 (TWLNAND): offset=1 unit (0x200), size=0x18 units
	// (0x3000), large enough to hold the MBR sub-partition below.
	const partTableOffset = 0x120
	binary.LittleEndian.PutUint32(hdr[partTableOffset:], 1)
	binary.LittleEndian.PutUint32(hdr[partTableOffset+4:], 0x18)
	image := make([]byte, 0x200+0x3000)
	copy(image, hdr)

	// TWL MBR section starts at absolute 0x1C8; OpenTWLPartition reads
	// partition record 0 from absolute 0x1BE, 10 bytes before it. The
	// record covers sectors starting at LBA 0x10 for 8 sectors -> relative
	// bytes [0x2000, 0x3000) within the TWL-NAND sub-view.
	binary.LittleEndian.PutUint32(image[0x1BE+8:], 0x10)
	binary.LittleEndian.PutUint32(image[0x1BE+12:], 0x08)

	base := ctrio.NewSharedBase(&memStream{buf: image})
	engine := keyengine.New()
	var x, y keyengine.Key128
	x[0], y[0] = 0x03, 0x04
	engine.SetKeyslotBytes(0x03, keyengine.WhichX, x)
	engine.SetKeyslotBytes(0x03, keyengine.WhichY, y)

	r, err := Open(engine, base, Options{})
	require.NoError(t, err)
	stream, err := r.OpenTWLPartition(0)
	require.NoError(t, err)

	_, err = stream.Seek(0xF00, io.SeekStart) // partition size is 0x1000
	require.NoError(t, err)
	_, err = stream.Write(make([]byte, 0x200)) // would extend past 0x1000
	require.Error(t, err)
	require.True(t, ctrerrors.Is(err, ctrerrors.KindCrossPartitionWrite))
}

func TestOpenWithoutCIDUsesFallbackConstant(t *testing.T) {
	image := buildNANDImage(t)
	base := ctrio.NewSharedBase(&memStream{buf: image})
	r, err := Open(keyengine.New(), base, Options{})
	require.NoError(t, err)
	require.Equal(t, defaultCTRConst, r.ctrBase)
	require.NotNil(t, r.Warn())
}

func TestOpenWithCIDDerivesCTRBaseViaSHA1(t *testing.T) {
	image := buildNANDImage(t)
	base := ctrio.NewSharedBase(&memStream{buf: image})
	cid := make([]byte, 16)
	for i := range cid {
		cid[i] = byte(i + 1)
	}
	r, err := Open(keyengine.New(), base, Options{NANDCID: cid})
	require.NoError(t, err)
	require.Nil(t, r.Warn())

	want := sha1.Sum(cid)
	require.Equal(t, want[:16], r.ctrBase[:])
}

func TestCounterAtIncrementsBlockIndexWithCarry(t *testing.T) {
	r := &Reader{}
	// Set ctrBase's low 64 bits to all-ones so adding any positive block
	// index carries into the high 64 bits.
	for i := 0; i < 8; i++ {
		r.ctrBase[i] = 0x00
	}
	for i := 8; i < 16; i++ {
		r.ctrBase[i] = 0xFF
	}

	ctr0 := r.counterAt(0)
	require.Equal(t, r.ctrBase, ctr0)

	// offset 16 -> block index 1 -> low 64 bits overflow from all-ones to
	// zero, carrying 1 into the high 64 bits.
	ctr1 := r.counterAt(16)
	var wantHi [8]byte
	binary.BigEndian.PutUint64(wantHi[:], 1)
	require.Equal(t, wantHi[:], ctr1[0:8])
	require.Equal(t, make([]byte, 8), ctr1[8:16])
}

func TestSectionBoundsKnownSections(t *testing.T) {
	image := buildNANDImage(t)
	base := ctrio.NewSharedBase(&memStream{buf: image})
	r, err := Open(keyengine.New(), base, Options{})
	require.NoError(t, err)

	off, size, err := r.sectionBounds(SectionHeader)
	require.NoError(t, err)
	require.Equal(t, int64(0), off)
	require.Equal(t, int64(0x200), size)

	off, size, err = r.sectionBounds(SectionTWLMBR)
	require.NoError(t, err)
	require.Equal(t, int64(0x1C8), off)
	require.Equal(t, int64(0x42), size)

	off, size, err = r.sectionBounds(SectionAGBSave)
	require.NoError(t, err)
	require.Equal(t, int64(0x400), off)
	require.Equal(t, int64(0x800), size)

	_, _, err = r.sectionBounds(SectionFIRM0)
	require.Error(t, err) // partition 4 not present in this fixture
}

func TestOpenRawMissingPartitionErrors(t *testing.T) {
	image := buildNANDImage(t)
	base := ctrio.NewSharedBase(&memStream{buf: image})
	r, err := Open(keyengine.New(), base, Options{})
	require.NoError(t, err)

	_, err = r.OpenRaw(SectionFIRM0)
	require.Error(t, err)
}

func TestKeyslotForMapping(t *testing.T) {
	r := &Reader{}
	slot, twl, err := r.keyslotFor(SectionTWLNAND)
	require.NoError(t, err)
	require.Equal(t, keyengine.Slot(0x03), slot)
	require.True(t, twl)

	slot, twl, err = r.keyslotFor(SectionAGBSave)
	require.NoError(t, err)
	require.Equal(t, keyengine.Slot(0x06), slot)
	require.False(t, twl)

	slot, _, err = r.keyslotFor(SectionCTRNAND)
	require.NoError(t, err)
	require.Equal(t, keyengine.Slot(0x06), slot)

	r.newModel = true
	slot, _, err = r.keyslotFor(SectionCTRNAND)
	require.NoError(t, err)
	require.Equal(t, keyengine.Slot(0x05), slot)

	_, _, err = r.keyslotFor(SectionGM9BonusVolume)
	require.Error(t, err)
}

func TestOpenDecryptedAGBSaveRoundTrip(t *testing.T) {
	image := buildNANDImage(t)
	base := ctrio.NewSharedBase(&memStream{buf: image})
	engine := keyengine.New()
	var x, y keyengine.Key128
	x[0], y[0] = 0x01, 0x02
	engine.SetKeyslotBytes(0x06, keyengine.WhichX, x)
	engine.SetKeyslotBytes(0x06, keyengine.WhichY, y)

	r, err := Open(engine, base, Options{})
	require.NoError(t, err)

	stream, err := r.OpenDecrypted(SectionAGBSave)
	require.NoError(t, err)

	plain := make([]byte, 32)
	for i := range plain {
		plain[i] = byte(i)
	}
	_, err = stream.Write(plain)
	require.NoError(t, err)

	// Re-derive a fresh decrypted view over the same section to confirm
	// what was written decrypts back to the original plaintext.
	stream2, err := r.OpenDecrypted(SectionAGBSave)
	require.NoError(t, err)
	got := make([]byte, 32)
	_, err = stream2.Read(got)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}
