// Package cdn reads a CDN-style directory or archive of tmd/cetk/content
// files, as downloaded from Nintendo's content delivery network (spec §3
// "CDN", §4.6).
package cdn

import (
	"encoding/binary"
	"fmt"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/ctrio"
	"github.com/sargunv/ctrtools/lib/keyengine"
	"github.com/sargunv/ctrtools/lib/ncch"
	"github.com/sargunv/ctrtools/lib/seeddb"
	"github.com/sargunv/ctrtools/lib/tmd"
)

// Source abstracts "a directory or archive containing named CDN files"
// (spec §4.6) so callers can back a CDN reader with a real directory, a
// zip-like archive, or synthetic fixtures in tests.
type Source interface {
	// Open returns the full contents of the named entry ("tmd", "cetk",
	// or a lowercase 8-hex content id), or an error if absent.
	Open(name string) ([]byte, error)
	// ContentStream returns a seekable stream for the named content id,
	// for readers that want to avoid loading it fully into memory.
	ContentStream(contentID string) (ctrio.Stream, int64, error)
}

// Reader is a parsed CDN title: its TMD plus per-content NCCH readers,
// decrypted via an externally supplied title key (either a decrypted
// cetk, or explicitly provided).
type Reader struct {
	TMD      *tmd.TMD
	Contents []Content
}

// Content mirrors cia.Content for CDN-sourced titles.
type Content struct {
	Chunk  tmd.ContentChunk
	NCCH   *ncch.Reader
	Absent bool
}

// Open reads "tmd" from source, derives/accepts a title key, and opens an
// NCCH reader per content, skipping unavailable or malformed contents
// (spec §7's partial-damage contract).
func Open(engine *keyengine.Engine, source Source, seeds *seeddb.DB, titleKey *[16]byte) (*Reader, error) {
	tmdBytes, err := source.Open("tmd")
	if err != nil {
		return nil, ctrerrors.IO("reading cdn tmd", err)
	}
	parsedTMD, err := tmd.Parse(tmdBytes)
	if err != nil {
		return nil, err
	}

	var key [16]byte
	if titleKey != nil {
		key = *titleKey
	} else if cetk, err := source.Open("cetk"); err == nil {
		key, err = titleKeyFromCetk(engine, cetk, parsedTMD.TitleID)
		if err != nil {
			return nil, err
		}
	}

	r := &Reader{TMD: parsedTMD}
	for _, chunk := range parsedTMD.Contents {
		contentID := fmt.Sprintf("%08x", chunk.ID)
		stream, size, err := source.ContentStream(contentID)
		if err != nil {
			r.Contents = append(r.Contents, Content{Chunk: chunk, Absent: true})
			continue
		}
		base := ctrio.NewSharedBase(stream)
		contentEngine := engine.Clone()

		var ncchBase *ctrio.SharedBase = base
		var ncchOffset int64
		if chunk.Type&1 != 0 {
			var iv [16]byte
			binary.BigEndian.PutUint16(iv[0:2], chunk.Index)
			contentEngine.SetKeyslotBytes(0x11, keyengine.WhichNormal, key)
			sub := ctrio.NewSubRegion(base, 0, size)
			cbcStream, err := contentEngine.CreateCBCIO(0x11, sub, iv)
			if err != nil {
				r.Contents = append(r.Contents, Content{Chunk: chunk, Absent: true})
				continue
			}
			ncchBase = ctrio.NewSharedBase(cbcStream)
			ncchOffset = 0
		}

		reader, err := ncch.Open(contentEngine, ncchBase, ncchOffset, ncch.Options{Seeds: seeds})
		if err != nil {
			r.Contents = append(r.Contents, Content{Chunk: chunk, Absent: true})
			continue
		}
		r.Contents = append(r.Contents, Content{Chunk: chunk, NCCH: reader})
	}
	return r, nil
}

func titleKeyFromCetk(engine *keyengine.Engine, cetk []byte, titleID uint64) ([16]byte, error) {
	if len(cetk) < 4 {
		return [16]byte{}, ctrerrors.At(ctrerrors.KindInvalidHeader, "cetk shorter than signature type", 0)
	}
	sigType := binary.BigEndian.Uint32(cetk[0:4])
	prefixLen, ok := map[uint32]int{
		0x10000: 0x240, 0x10001: 0x140, 0x10002: 0x80,
		0x10003: 0x3C, 0x10004: 0x140, 0x10005: 0x60,
	}[sigType]
	if !ok {
		return [16]byte{}, ctrerrors.New(ctrerrors.KindInvalidSignatureType, "unknown cetk signature type")
	}
	const bodySize = 0x164
	if len(cetk) < prefixLen+bodySize {
		return [16]byte{}, ctrerrors.At(ctrerrors.KindInvalidHeader, "cetk shorter than body", int64(prefixLen))
	}
	body := cetk[prefixLen : prefixLen+bodySize]
	var encKey [16]byte
	copy(encKey[:], body[0x7F:0x7F+16])

	var iv [16]byte
	binary.BigEndian.PutUint64(iv[0:8], titleID)
	cbc, err := engine.CreateCBCCipher(keyengine.Slot(0x3D), iv)
	if err != nil {
		return [16]byte{}, err
	}
	var titleKey [16]byte
	cbc.Decrypt(titleKey[:], encKey[:])
	return titleKey, nil
}
