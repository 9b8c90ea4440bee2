// Package tmd parses and re-serializes signed Title Metadata (spec §3
// "TMD", §4.7).
package tmd

import (
	"encoding/binary"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

// signaturePrefixLength maps a TMD signature type to the byte length of
// {signature type u32, signature, padding} preceding the fixed header
// (spec §4.7).
var signaturePrefixLength = map[uint32]int{
	0x10000: 0x240,
	0x10001: 0x140,
	0x10002: 0x80,
	0x10003: 0x3C,
	0x10004: 0x140,
	0x10005: 0x60,
}

const (
	headerSize      = 0xC4 // fixed header following the signature block
	contentInfoSize = 0x24
	contentInfoCount = 64
	chunkSize       = 0x30
)

// ContentInfo is one of the 64 fixed content-info records.
type ContentInfo struct {
	ContentIndexOffset uint16
	CommandCount       uint16
	Hash               [32]byte
}

// ContentChunk describes one content within the title.
type ContentChunk struct {
	ID    uint32
	Index uint16
	Type  uint16
	Size  uint64
	Hash  [32]byte
}

// TMD is a fully parsed Title Metadata, kept alongside the exact prefix
// bytes (signature block) so Bytes() can reproduce the input byte-exactly
// (spec §4.7, §8's round-trip property).
type TMD struct {
	SignatureType uint32
	sigPrefix     []byte // raw bytes from offset 0 through end of signature+padding

	IssuerName       [0x40]byte
	Version          uint8
	CACRLVersion     uint8
	SignerCRLVersion uint8
	SystemVersion    uint64
	TitleID          uint64
	TitleType        uint32
	GroupID          uint16
	SaveDataSize     uint32
	SRLPrivateSaveSize uint32
	SRLFlag          uint8
	AccessRights     uint32
	TitleVersion     uint16
	ContentCount     uint16
	BootContent      uint16

	ContentInfoRecords [contentInfoCount]ContentInfo
	Contents           []ContentChunk
}

// Parse decodes a TMD blob.
func Parse(data []byte) (*TMD, error) {
	if len(data) < 4 {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "tmd shorter than signature type field", 0)
	}
	sigType := binary.BigEndian.Uint32(data[0:4])
	prefixLen, ok := signaturePrefixLength[sigType]
	if !ok {
		return nil, ctrerrors.New(ctrerrors.KindInvalidSignatureType, "unknown tmd signature type")
	}
	if len(data) < prefixLen+headerSize {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "tmd shorter than header", int64(prefixLen))
	}

	t := &TMD{SignatureType: sigType, sigPrefix: append([]byte{}, data[0:prefixLen]...)}
	h := data[prefixLen : prefixLen+headerSize]
	copy(t.IssuerName[:], h[0x00:0x40])
	t.Version = h[0x40]
	t.CACRLVersion = h[0x41]
	t.SignerCRLVersion = h[0x42]
	t.SystemVersion = binary.BigEndian.Uint64(h[0x44:])
	t.TitleID = binary.BigEndian.Uint64(h[0x4C:])
	t.TitleType = binary.BigEndian.Uint32(h[0x54:])
	t.GroupID = binary.BigEndian.Uint16(h[0x58:])
	t.SaveDataSize = binary.LittleEndian.Uint32(h[0x5A:])
	t.SRLPrivateSaveSize = binary.LittleEndian.Uint32(h[0x5E:])
	t.SRLFlag = h[0x62]
	t.AccessRights = binary.BigEndian.Uint32(h[0x98:])
	t.TitleVersion = binary.BigEndian.Uint16(h[0x9C:])
	t.ContentCount = binary.BigEndian.Uint16(h[0x9E:])
	t.BootContent = binary.BigEndian.Uint16(h[0xA0:])

	off := prefixLen + headerSize
	for i := 0; i < contentInfoCount; i++ {
		if off+contentInfoSize > len(data) {
			return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "tmd truncated content-info table", int64(off))
		}
		rec := data[off : off+contentInfoSize]
		info := ContentInfo{
			ContentIndexOffset: binary.BigEndian.Uint16(rec[0x00:]),
			CommandCount:       binary.BigEndian.Uint16(rec[0x02:]),
		}
		copy(info.Hash[:], rec[0x04:0x24])
		t.ContentInfoRecords[i] = info
		off += contentInfoSize
	}

	t.Contents = make([]ContentChunk, 0, t.ContentCount)
	for i := 0; i < int(t.ContentCount); i++ {
		if off+chunkSize > len(data) {
			return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "tmd truncated content chunk table", int64(off))
		}
		rec := data[off : off+chunkSize]
		c := ContentChunk{
			ID:    binary.BigEndian.Uint32(rec[0x00:]),
			Index: binary.BigEndian.Uint16(rec[0x04:]),
			Type:  binary.BigEndian.Uint16(rec[0x06:]),
			Size:  binary.BigEndian.Uint64(rec[0x08:]),
		}
		copy(c.Hash[:], rec[0x10:0x30])
		t.Contents = append(t.Contents, c)
		off += chunkSize
	}

	return t, nil
}

// Bytes re-serializes the TMD, reproducing byte-exact output for any
// input that round-trips through Parse (spec §8).
func (t *TMD) Bytes() []byte {
	total := len(t.sigPrefix) + headerSize + contentInfoCount*contentInfoSize + len(t.Contents)*chunkSize
	out := make([]byte, total)
	copy(out, t.sigPrefix)

	h := out[len(t.sigPrefix) : len(t.sigPrefix)+headerSize]
	copy(h[0x00:0x40], t.IssuerName[:])
	h[0x40] = t.Version
	h[0x41] = t.CACRLVersion
	h[0x42] = t.SignerCRLVersion
	binary.BigEndian.PutUint64(h[0x44:], t.SystemVersion)
	binary.BigEndian.PutUint64(h[0x4C:], t.TitleID)
	binary.BigEndian.PutUint32(h[0x54:], t.TitleType)
	binary.BigEndian.PutUint16(h[0x58:], t.GroupID)
	binary.LittleEndian.PutUint32(h[0x5A:], t.SaveDataSize)
	binary.LittleEndian.PutUint32(h[0x5E:], t.SRLPrivateSaveSize)
	h[0x62] = t.SRLFlag
	binary.BigEndian.PutUint32(h[0x98:], t.AccessRights)
	binary.BigEndian.PutUint16(h[0x9C:], t.TitleVersion)
	binary.BigEndian.PutUint16(h[0x9E:], t.ContentCount)
	binary.BigEndian.PutUint16(h[0xA0:], t.BootContent)

	off := len(t.sigPrefix) + headerSize
	for i := 0; i < contentInfoCount; i++ {
		rec := out[off : off+contentInfoSize]
		info := t.ContentInfoRecords[i]
		binary.BigEndian.PutUint16(rec[0x00:], info.ContentIndexOffset)
		binary.BigEndian.PutUint16(rec[0x02:], info.CommandCount)
		copy(rec[0x04:0x24], info.Hash[:])
		off += contentInfoSize
	}
	for _, c := range t.Contents {
		rec := out[off : off+chunkSize]
		binary.BigEndian.PutUint32(rec[0x00:], c.ID)
		binary.BigEndian.PutUint16(rec[0x04:], c.Index)
		binary.BigEndian.PutUint16(rec[0x06:], c.Type)
		binary.BigEndian.PutUint64(rec[0x08:], c.Size)
		copy(rec[0x10:0x30], c.Hash[:])
		off += chunkSize
	}
	return out
}
