package tmd

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSigType = 0x10004 // prefix length 0x140

func makeSyntheticTMD(titleID uint64, contentCount int) []byte {
	prefixLen := signaturePrefixLength[testSigType]
	total := prefixLen + headerSize + contentInfoCount*contentInfoSize + contentCount*chunkSize
	data := make([]byte, total)
	binary.BigEndian.PutUint32(data[0:4], testSigType)
	for i := range data[4:prefixLen] {
		data[4+i] = byte(i) // non-zero signature/padding bytes to prove exact round-trip
	}

	h := data[prefixLen : prefixLen+headerSize]
	copy(h[0x00:0x40], []byte("Nintendo"))
	h[0x40] = 1 // Version
	binary.BigEndian.PutUint64(h[0x4C:], titleID)
	binary.BigEndian.PutUint16(h[0x9E:], uint16(contentCount))
	binary.BigEndian.PutUint16(h[0xA0:], 0) // BootContent

	off := prefixLen + headerSize + contentInfoCount*contentInfoSize
	for i := 0; i < contentCount; i++ {
		rec := data[off : off+chunkSize]
		binary.BigEndian.PutUint32(rec[0x00:], uint32(i))
		binary.BigEndian.PutUint16(rec[0x04:], uint16(i))
		binary.BigEndian.PutUint64(rec[0x08:], uint64(0x1000+i))
		off += chunkSize
	}
	return data
}

func TestParseTMDFields(t *testing.T) {
	titleID := uint64(0x0004000000123456)
	data := makeSyntheticTMD(titleID, 3)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, titleID, parsed.TitleID)
	require.Equal(t, uint16(3), parsed.ContentCount)
	require.Len(t, parsed.Contents, 3)
	require.Equal(t, uint64(0x1002), parsed.Contents[2].Size)
	require.Equal(t, "Nintendo", string(parsed.IssuerName[0:8]))
}

func TestTMDBytesRoundTripIsByteExact(t *testing.T) {
	data := makeSyntheticTMD(0x0004000000654321, 2)
	parsed, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, data, parsed.Bytes())
}

func TestParseTMDRejectsUnknownSignatureType(t *testing.T) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, 0xFFFFFFFF)
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseTMDRejectsTruncatedContentTable(t *testing.T) {
	data := makeSyntheticTMD(1, 2)
	truncated := data[:len(data)-10]
	_, err := Parse(truncated)
	require.Error(t, err)
}
