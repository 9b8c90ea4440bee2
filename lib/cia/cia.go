// Package cia parses CIA containers and yields one ncch.Reader per
// content, decrypting title keys via the common-key slot (spec §3 "CIA",
// §4.6).
package cia

import (
	"encoding/binary"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/ctrio"
	"github.com/sargunv/ctrtools/lib/keyengine"
	"github.com/sargunv/ctrtools/lib/ncch"
	"github.com/sargunv/ctrtools/lib/seeddb"
	"github.com/sargunv/ctrtools/lib/tmd"
)

const (
	headerFixedSize  = 0x20
	contentIndexSize = 0x2000

	commonKeySlot = keyengine.Slot(0x3D)
)

func align64(v uint32) uint32 { return (v + 63) &^ 63 }

// Header is the fixed-size CIA header.
type Header struct {
	HeaderSize   uint32
	Type         uint16
	Version      uint16
	CertSize     uint32
	TicketSize   uint32
	TMDSize      uint32
	MetaSize     uint32
	ContentSize  uint64
	ContentIndex [contentIndexSize]byte
}

func parseHeader(data []byte) (*Header, error) {
	if len(data) < headerFixedSize+contentIndexSize {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "cia header shorter than expected", int64(len(data)))
	}
	h := &Header{
		HeaderSize:  binary.LittleEndian.Uint32(data[0x00:]),
		Type:        binary.LittleEndian.Uint16(data[0x04:]),
		Version:     binary.LittleEndian.Uint16(data[0x06:]),
		CertSize:    binary.LittleEndian.Uint32(data[0x08:]),
		TicketSize:  binary.LittleEndian.Uint32(data[0x0C:]),
		TMDSize:     binary.LittleEndian.Uint32(data[0x10:]),
		MetaSize:    binary.LittleEndian.Uint32(data[0x14:]),
		ContentSize: binary.LittleEndian.Uint64(data[0x18:]),
	}
	copy(h.ContentIndex[:], data[headerFixedSize:headerFixedSize+contentIndexSize])
	return h, nil
}

// Ticket is the subset of an ESCert ticket this library needs to recover
// the title key.
type Ticket struct {
	TitleID        uint64
	EncTitleKey    [16]byte
	CommonKeyIndex byte
}

// parseTicket extracts the title id, encrypted title key, and common-key
// index from a (variable signature-type prefixed) ticket blob. The
// layout after the signature block matches the TMD's fixed-header
// convention: this keeps its own signature-prefix-length table, since
// tickets share the same ES signature container format as TMDs.
func parseTicket(data []byte) (*Ticket, error) {
	if len(data) < 4 {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "ticket shorter than signature type", 0)
	}
	sigType := binary.BigEndian.Uint32(data[0:4])
	prefixLen, ok := map[uint32]int{
		0x10000: 0x240, 0x10001: 0x140, 0x10002: 0x80,
		0x10003: 0x3C, 0x10004: 0x140, 0x10005: 0x60,
	}[sigType]
	if !ok {
		return nil, ctrerrors.New(ctrerrors.KindInvalidSignatureType, "unknown ticket signature type")
	}
	const bodySize = 0x164
	if len(data) < prefixLen+bodySize {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "ticket shorter than body", int64(prefixLen))
	}
	body := data[prefixLen : prefixLen+bodySize]
	t := &Ticket{}
	copy(t.EncTitleKey[:], body[0x7F:0x7F+16])
	t.CommonKeyIndex = body[0xB1]
	t.TitleID = binary.BigEndian.Uint64(body[0x9C:])
	return t, nil
}

// Content is one CIA content: its TMD chunk record plus an opened NCCH
// reader over its decrypted (if encrypted) data.
type Content struct {
	Chunk  tmd.ContentChunk
	NCCH   *ncch.Reader
	Absent bool // marked when this content was malformed (spec §7)
}

// Reader is a parsed CIA with its TMD and per-content NCCH readers.
type Reader struct {
	Header *Header
	TMD    *tmd.TMD
	Contents []Content
}

// Open parses a CIA container stream: header, optional ticket/TMD, and
// one NCCH reader per content. Malformed individual contents are marked
// Absent rather than failing the whole open, matching CIAReader's
// documented partial-damage contract (spec §7).
func Open(engine *keyengine.Engine, base *ctrio.SharedBase, totalSize int64, seeds *seeddb.DB) (*Reader, error) {
	hdrBuf := make([]byte, headerFixedSize+contentIndexSize)
	if _, err := base.WithLock(0, func(s ctrio.Stream) (int, error) { return s.Read(hdrBuf) }); err != nil {
		return nil, ctrerrors.IO("reading cia header", err)
	}
	h, err := parseHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	off := int64(align64(h.HeaderSize))
	off += int64(align64(h.CertSize))

	var ticket *Ticket
	if h.TicketSize > 0 {
		tkBuf := make([]byte, h.TicketSize)
		if _, err := base.WithLock(off, func(s ctrio.Stream) (int, error) { return s.Read(tkBuf) }); err == nil {
			ticket, _ = parseTicket(tkBuf)
		}
	}
	off += int64(align64(h.TicketSize))

	tmdBuf := make([]byte, h.TMDSize)
	if _, err := base.WithLock(off, func(s ctrio.Stream) (int, error) { return s.Read(tmdBuf) }); err != nil {
		return nil, ctrerrors.IO("reading cia tmd", err)
	}
	parsedTMD, err := tmd.Parse(tmdBuf)
	if err != nil {
		return nil, err
	}
	off += int64(align64(h.TMDSize))

	var titleKey [16]byte
	if ticket != nil {
		titleKey, err = decryptTitleKey(engine, ticket)
		if err != nil {
			return nil, err
		}
	}

	r := &Reader{Header: h, TMD: parsedTMD}
	contentStart := off
	contentOff := contentStart
	for _, chunk := range parsedTMD.Contents {
		size := int64(chunk.Size)
		if contentOff+size > totalSize {
			r.Contents = append(r.Contents, Content{Chunk: chunk, Absent: true})
			contentOff += size
			continue
		}

		contentEngine := engine.Clone()
		sub := ctrio.NewSubRegion(base, contentOff, size)

		ncchBase := base
		ncchOffset := contentOff
		if chunk.Type&1 != 0 && ticket != nil {
			var iv [16]byte
			binary.BigEndian.PutUint16(iv[0:2], chunk.Index)
			contentEngine.SetKeyslotBytes(0x11, keyengine.WhichNormal, titleKey)
			cbcStream, err := contentEngine.CreateCBCIO(0x11, sub, iv)
			if err != nil {
				r.Contents = append(r.Contents, Content{Chunk: chunk, Absent: true})
				contentOff += size
				continue
			}
			// NCCH reading needs a *ctrio.SharedBase, but a CBC-decrypted
			// content is no longer backed by one directly; wrap it in a
			// private shared base so ncch.Open can operate uniformly.
			// CBCStream already implements ctrio.Stream directly.
			ncchBase = ctrio.NewSharedBase(cbcStream)
			ncchOffset = 0
		}

		reader, err := ncch.Open(contentEngine, ncchBase, ncchOffset, ncch.Options{Seeds: seeds})
		if err != nil {
			r.Contents = append(r.Contents, Content{Chunk: chunk, Absent: true})
			contentOff += size
			continue
		}
		r.Contents = append(r.Contents, Content{Chunk: chunk, NCCH: reader})
		contentOff += size
	}

	return r, nil
}

// decryptTitleKey decrypts the ticket's encrypted title key under the
// common-key slot selected by its common-key index, IV = title id (BE)
// padded with zero (spec §4.6).
func decryptTitleKey(engine *keyengine.Engine, t *Ticket) ([16]byte, error) {
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[0:8], t.TitleID)

	// The common key's KeyY varies by index; real firmware ships 6
	// distinct KeyYs under slot 0x3D. This library expects the caller to
	// have already populated slot 0x3D's KeyY for the selected index
	// before calling Open (e.g. from a loaded common-key file), since no
	// fixed common key is embedded here.
	cbc, err := engine.CreateCBCCipher(commonKeySlot, iv)
	if err != nil {
		return [16]byte{}, err
	}
	var titleKey [16]byte
	cbc.Decrypt(titleKey[:], t.EncTitleKey[:])
	return titleKey, nil
}
