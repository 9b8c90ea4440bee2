// Package disadiff parses DISA (save-data) and DIFF (extdata) containers
// up to their IVFC level-4 payload (spec §3 "DISA/DIFF", §4.9). Parsing
// Inner FAT beyond level 4 is explicitly out of scope (spec §1).
package disadiff

import (
	"encoding/binary"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/ctrio"
)

const (
	magicOffset       = 0x00
	MagicDISA         = "DISA"
	MagicDIFF         = "DIFF"
	activeFlagOffset  = 0x10
	table0Offset      = 0x18 // offset to primary partition table descriptor
	table1Offset      = 0x20 // offset to secondary partition table descriptor
	partitionDescSize = 8    // u32 offset + u32 size, media-unit addressed (here: bytes directly)

	// partitionInfoSize is the size of the per-partition info block (IVFC
	// descriptor + level-4 offset/size) within each mirror; both mirrors
	// carry an identical layout, only their hash chains differ.
	partitionInfoSize = 0x80
	level4OffsetField = 0x60 // within partition info: u64 level-4 logical offset
	level4SizeField   = 0x68 // within partition info: u64 level-4 size
)

// Header is the parsed common DISA/DIFF outer header.
type Header struct {
	Magic        string
	ActiveFlag   byte
	PartitionOffsets [2]int64 // absolute offset of each mirror's partition-info block
}

// Reader exposes the active mirror's IVFC level-4 payload as a seekable
// view, and supports flipping the active partition on commit.
type Reader struct {
	header *Header
	base   *ctrio.SharedBase
	level4Off  int64
	level4Size int64
}

// Open parses the outer header and locates the active mirror's level-4
// payload.
func Open(base *ctrio.SharedBase) (*Reader, error) {
	hdrBuf := make([]byte, 0x100)
	if _, err := base.WithLock(0, func(s ctrio.Stream) (int, error) { return s.Read(hdrBuf) }); err != nil {
		return nil, ctrerrors.IO("reading disa/diff header", err)
	}
	magic := string(hdrBuf[magicOffset : magicOffset+4])
	if magic != MagicDISA && magic != MagicDIFF {
		return nil, ctrerrors.InvalidHeader("DISA/DIFF", magicOffset)
	}

	h := &Header{Magic: magic, ActiveFlag: hdrBuf[activeFlagOffset]}
	h.PartitionOffsets[0] = int64(binary.LittleEndian.Uint64(hdrBuf[table0Offset:]))
	h.PartitionOffsets[1] = int64(binary.LittleEndian.Uint64(hdrBuf[table1Offset:]))

	r := &Reader{header: h, base: base}
	if err := r.loadActivePartitionInfo(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) activeIndex() int {
	if r.header.ActiveFlag == 0 {
		return 0
	}
	return 1
}

func (r *Reader) loadActivePartitionInfo() error {
	off := r.header.PartitionOffsets[r.activeIndex()]
	info := make([]byte, partitionInfoSize)
	if _, err := r.base.WithLock(off, func(s ctrio.Stream) (int, error) { return s.Read(info) }); err != nil {
		return ctrerrors.IO("reading disa/diff partition info", err)
	}
	r.level4Off = off + int64(binary.LittleEndian.Uint64(info[level4OffsetField:]))
	r.level4Size = int64(binary.LittleEndian.Uint64(info[level4SizeField:]))
	return nil
}

// Payload returns a sub-view over the active mirror's IVFC level-4 data.
func (r *Reader) Payload() *ctrio.SubRegion {
	return ctrio.NewSubRegion(r.base, r.level4Off, r.level4Size)
}

// Commit flips the active-partition byte to point at the other mirror,
// after the caller has written new hash-chain data there. Per spec §9's
// open question, writes must be ordered new-hash -> flip-flag, which this
// method assumes the caller already did by the time Commit is called;
// Commit only performs the flag flip itself (the final, atomic-looking
// step of that sequence).
func (r *Reader) Commit() error {
	newFlag := byte(1 - r.activeIndex())
	if _, err := r.base.WithLock(activeFlagOffset, func(s ctrio.Stream) (int, error) {
		return s.Write([]byte{newFlag})
	}); err != nil {
		return ctrerrors.IO("flipping disa/diff active partition flag", err)
	}
	r.header.ActiveFlag = newFlag
	return r.loadActivePartitionInfo()
}
