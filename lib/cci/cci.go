// Package cci parses CTR Cart Image (CCI) files: an NCSD header with up
// to 8 NCCH partitions (spec §3 "CCI/CCI-bonus", §4.6).
package cci

import (
	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/ctrio"
	"github.com/sargunv/ctrtools/lib/keyengine"
	"github.com/sargunv/ctrtools/lib/ncch"
	"github.com/sargunv/ctrtools/lib/ncsd"
	"github.com/sargunv/ctrtools/lib/seeddb"
)

// PartitionName indexes the 8 well-known CCI partitions by role, mirroring
// the NAND reader's semantic partition ids (spec §C).
type PartitionName int

const (
	PartitionGame PartitionName = iota
	PartitionManual
	PartitionDLP
	PartitionReserved3
	PartitionReserved4
	PartitionReserved5
	PartitionN3DSUpdate
	PartitionO3DSUpdate
)

// Reader is a parsed CCI image.
type Reader struct {
	NCSD       *ncsd.Header
	engine     *keyengine.Engine
	base       *ctrio.SharedBase
	seeds      *seeddb.DB
	partitions [ncsd.PartitionCount]*ncch.Reader
}

// Open parses the NCSD header and lazily-openable NCCH partitions.
func Open(engine *keyengine.Engine, base *ctrio.SharedBase, seeds *seeddb.DB) (*Reader, error) {
	hdrBuf := make([]byte, ncsd.HeaderSize)
	if _, err := base.WithLock(0, func(s ctrio.Stream) (int, error) { return s.Read(hdrBuf) }); err != nil {
		return nil, ctrerrors.IO("reading cci ncsd header", err)
	}
	h, err := ncsd.Parse(hdrBuf)
	if err != nil {
		return nil, err
	}
	return &Reader{NCSD: h, engine: engine, base: base, seeds: seeds}, nil
}

// Partition opens (and caches) the NCCH reader for physical partition i.
func (r *Reader) Partition(i int) (*ncch.Reader, error) {
	if i < 0 || i >= ncsd.PartitionCount {
		return nil, ctrerrors.New(ctrerrors.KindInvalidHeader, "cci: partition index out of range")
	}
	if r.partitions[i] != nil {
		return r.partitions[i], nil
	}
	if !r.NCSD.Valid(i) {
		return nil, ctrerrors.New(ctrerrors.KindInvalidHeader, "cci: partition not present")
	}
	reader, err := ncch.Open(r.engine.Clone(), r.base, r.NCSD.ByteOffset(i), ncch.Options{Seeds: r.seeds})
	if err != nil {
		return nil, err
	}
	r.partitions[i] = reader
	return reader, nil
}

// Named opens the partition conventionally assigned to name.
func (r *Reader) Named(name PartitionName) (*ncch.Reader, error) {
	return r.Partition(int(name))
}
