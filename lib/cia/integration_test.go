package cia

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"testing"
	"unicode/utf16"

	"github.com/sargunv/ctrtools/lib/ctrio"
	"github.com/sargunv/ctrtools/lib/exefs"
	"github.com/sargunv/ctrtools/lib/keyengine"
	"github.com/sargunv/ctrtools/lib/smdh"
	"github.com/stretchr/testify/require"
)

// SMDH layout constants, mirroring lib/smdh.go's unexported layout.
const (
	smdhTitlesOffset    = 0x08
	smdhTitleEntrySize  = 0x200
	smdhSettingsOffset  = smdhTitlesOffset + 16*smdhTitleEntrySize
	smdhLargeIconOffset = 0x24C0
	smdhLargeIconSize   = 48
)

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// buildSMDHWithEnglishShortDescription assembles a minimal SMDH blob
// whose English title entry (index 1, the documented SMDH language
// ordering: JA, EN, FR, ...) carries shortDesc.
func buildSMDHWithEnglishShortDescription(shortDesc string) []byte {
	total := smdhLargeIconOffset + smdhLargeIconSize*smdhLargeIconSize*2
	data := make([]byte, total)
	copy(data[0:4], "SMDH")

	const englishIndex = 1
	entryOff := smdhTitlesOffset + englishIndex*smdhTitleEntrySize
	copy(data[entryOff:], encodeUTF16LE(shortDesc))
	return data
}

// buildExeFSWithIcon assembles a one-entry ExeFS containing the given
// SMDH bytes under the conventional "icon" entry name.
func buildExeFSWithIcon(smdhBytes []byte) []byte {
	const headerSize = 0x200
	const entryCount = 10
	const entrySize = 16
	const hashSize = 32
	const hashesStart = headerSize - entryCount*hashSize

	total := headerSize + len(smdhBytes)
	data := make([]byte, total)

	copy(data[0:8], "icon")
	binary.LittleEndian.PutUint32(data[8:12], 0)
	binary.LittleEndian.PutUint32(data[12:16], uint32(len(smdhBytes)))

	sum := sha256.Sum256(smdhBytes)
	hashOff := hashesStart + (entryCount-1-0)*hashSize
	copy(data[hashOff:hashOff+hashSize], sum[:])

	copy(data[headerSize:], smdhBytes)
	return data
}

func alignUp(n, unit int) int {
	if n%unit == 0 {
		return n
	}
	return n + (unit - n%unit)
}

// buildNoCryptoNCCHWithExeFS assembles a no-crypto NCCH header whose
// ExeFS region points at the given pre-built ExeFS bytes, immediately
// following the 0x200-byte NCCH header.
func buildNoCryptoNCCHWithExeFS(programID uint64, exefsBytes []byte) []byte {
	const contentUnit = 0x200
	exefsUnits := alignUp(len(exefsBytes), contentUnit) / contentUnit

	hdr := make([]byte, 0x200)
	copy(hdr[ncchMagicOffset:], "NCCH")
	binary.LittleEndian.PutUint64(hdr[ncchProgramIDOffset:], programID)
	hdr[ncchFlagsOffset+7] = 0x04 // no-crypto bit

	const exefsOffsetOffset = 0x1A0
	binary.LittleEndian.PutUint32(hdr[exefsOffsetOffset:], 1) // one content unit after NCCH start
	binary.LittleEndian.PutUint32(hdr[exefsOffsetOffset+4:], uint32(exefsUnits))

	total := make([]byte, contentUnit+exefsUnits*contentUnit)
	copy(total, hdr)
	copy(total[contentUnit:], exefsBytes)
	return total
}

// TestCIAToSMDHEnglishShortDescription exercises the full CIA -> NCCH ->
// ExeFS -> SMDH chain: open a CIA with one content whose ExeFS carries an
// SMDH icon entry, and read back its English short description.
func TestCIAToSMDHEnglishShortDescription(t *testing.T) {
	const titleID = 0x000400000bcfff00

	smdhBytes := buildSMDHWithEnglishShortDescription("Checkpoint")
	exefsBytes := buildExeFSWithIcon(smdhBytes)
	ncchBytes := buildNoCryptoNCCHWithExeFS(titleID, exefsBytes)
	tmdBytes := buildRawTMD(titleID, 0, 0, 0, uint64(len(ncchBytes)))
	image := buildCIA(t, tmdBytes, ncchBytes)

	base := ctrio.NewSharedBase(&memStream{buf: image})
	r, err := Open(keyengine.New(), base, int64(len(image)), nil)
	require.NoError(t, err)
	require.Len(t, r.Contents, 1)
	require.False(t, r.Contents[0].Absent)

	exeFSView, err := r.Contents[0].NCCH.ExeFS()
	require.NoError(t, err)

	exeFSReader, err := exefs.Parse(exeFSView)
	require.NoError(t, err)

	iconReader, err := exeFSReader.Open("icon")
	require.NoError(t, err)
	iconBytes, err := io.ReadAll(iconReader)
	require.NoError(t, err)

	parsed, err := smdh.Parse(iconBytes)
	require.NoError(t, err)
	require.Equal(t, "Checkpoint", parsed.Titles[1].ShortDescription)
}
