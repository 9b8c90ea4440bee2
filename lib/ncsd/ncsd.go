// Package ncsd parses the NCSD container header shared by CCI cart images
// and NAND dumps (spec §3 "NAND NCSD", §4.8, §4.6's CCI). It generalizes
// the header-offset const table and Parse(r io.ReaderAt, size int64)
// signature style from the teacher's
// lib/roms/nintendo/n3ds.Parse to a reusable, format-agnostic header
// reader that both lib/cci and lib/nand build on. Parse here takes the
// 0x200-byte header as a byte slice rather than an io.ReaderAt.
package ncsd

import (
	"encoding/binary"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

const (
	HeaderSize = 0x200

	magicOffset      = 0x100
	Magic            = "NCSD"
	imageSizeOffset  = 0x104
	mediaIDOffset    = 0x108
	fsTypeOffset     = 0x110
	cryptTypeOffset  = 0x118
	partTableOffset  = 0x120
	PartitionCount   = 8
	partEntrySize    = 8
	flagsOffset      = 0x188
	partIDTableOffset = 0x190

	// MediaUnitSize is the default media unit (1 << 9); flags[0x188+3]
	// (byte index 3 of the flags array) can override it for CCI images.
	MediaUnitSize = 0x200
)

// Partition is one of the 8 NCSD partition table entries, offsets/sizes
// in media units.
type Partition struct {
	Offset uint32
	Size   uint32
	FSType byte
	Crypto byte
	ID     uint64
}

// Header is the parsed 0x200-byte NCSD header.
type Header struct {
	Signature    [0x100]byte
	ImageSize    uint32 // media units
	MediaID      uint64
	Partitions   [PartitionCount]Partition
	Flags        [8]byte
	MediaUnitSize uint32
}

// Parse validates the "NCSD" magic and decodes the partition table from a
// 0x200-byte header blob.
func Parse(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "ncsd header shorter than 0x200", int64(len(data)))
	}
	if string(data[magicOffset:magicOffset+4]) != Magic {
		return nil, ctrerrors.InvalidHeader("NCSD", magicOffset)
	}

	h := &Header{}
	copy(h.Signature[:], data[0:0x100])
	h.ImageSize = binary.LittleEndian.Uint32(data[imageSizeOffset:])
	h.MediaID = binary.LittleEndian.Uint64(data[mediaIDOffset:])
	copy(h.Flags[:], data[flagsOffset:flagsOffset+8])

	h.MediaUnitSize = MediaUnitSize
	if h.Flags[3] > 0 {
		h.MediaUnitSize = MediaUnitSize << h.Flags[3]
	}

	for i := 0; i < PartitionCount; i++ {
		entryOff := partTableOffset + i*partEntrySize
		h.Partitions[i] = Partition{
			Offset: binary.LittleEndian.Uint32(data[entryOff:]),
			Size:   binary.LittleEndian.Uint32(data[entryOff+4:]),
			FSType: data[fsTypeOffset+i],
			Crypto: data[cryptTypeOffset+i],
			ID:     binary.LittleEndian.Uint64(data[partIDTableOffset+i*8:]),
		}
	}
	return h, nil
}

// ByteOffset converts a partition's media-unit offset to a byte offset.
func (h *Header) ByteOffset(i int) int64 {
	return int64(h.Partitions[i].Offset) * int64(h.MediaUnitSize)
}

// ByteSize converts a partition's media-unit size to a byte size.
func (h *Header) ByteSize(i int) int64 {
	return int64(h.Partitions[i].Size) * int64(h.MediaUnitSize)
}

// Valid reports whether partition i is populated (non-zero offset/size).
func (h *Header) Valid(i int) bool {
	return h.Partitions[i].Offset != 0 && h.Partitions[i].Size != 0
}
