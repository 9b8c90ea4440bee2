package ncch

import (
	"io"

	"github.com/sargunv/ctrtools/internal/util"
	"github.com/sargunv/ctrtools/lib/ctrio"
	"github.com/sargunv/ctrtools/lib/keyengine"
)

const (
	exefsHeaderSize = 0x200
	exefsEntryCount = 10
	exefsEntrySize  = 16
)

// ExeFSView presents the ExeFS region as a single logical decrypted
// stream: the 0x200-byte header plus every entry except `.code` is
// decrypted under the primary keyslot, while `.code` (once its location
// is known from the header) is decrypted under the secondary keyslot —
// both ciphers share the same counter base, so the block index stays
// continuous across the switch (spec §4.3).
type ExeFSView struct {
	raw       *ctrio.SubRegion
	primary   *keyengine.CTRStream
	secondary *keyengine.CTRStream
	cursor    int64

	codeStart, codeEnd int64 // absolute byte range of the .code entry; both zero if none
}

func newExeFSView(raw *ctrio.SubRegion, primary, secondary *keyengine.CTRStream) *ExeFSView {
	v := &ExeFSView{raw: raw, primary: primary, secondary: secondary}
	v.locateCode()
	return v
}

func (v *ExeFSView) locateCode() {
	if v.primary == nil {
		return
	}
	hdr := make([]byte, exefsHeaderSize)
	if _, err := v.primary.ReadAt(hdr, 0); err != nil && err != io.EOF {
		return
	}
	for i := 0; i < exefsEntryCount; i++ {
		entry := hdr[i*exefsEntrySize : (i+1)*exefsEntrySize]
		name := util.ExtractASCII(entry[0:8])
		if name != ".code" {
			continue
		}
		off := leUint32(entry[8:12])
		size := leUint32(entry[12:16])
		v.codeStart = int64(exefsHeaderSize) + int64(off)
		v.codeEnd = v.codeStart + int64(size)
		return
	}
}

func (v *ExeFSView) Size() int64 { return v.raw.Size() }

func (v *ExeFSView) ReadAt(p []byte, off int64) (int, error) {
	if v.primary == nil {
		return v.raw.ReadAt(p, off)
	}
	if v.codeEnd == 0 || v.secondary == nil {
		return v.primary.ReadAt(p, off)
	}
	total := 0
	for total < len(p) {
		absOff := off + int64(total)
		if absOff >= v.Size() {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		inCode := absOff >= v.codeStart && absOff < v.codeEnd
		runEnd := v.Size()
		if inCode {
			runEnd = v.codeEnd
		} else if absOff < v.codeStart {
			runEnd = v.codeStart
		} else {
			runEnd = v.Size()
		}
		n := runEnd - absOff
		if remain := int64(len(p) - total); n > remain {
			n = remain
		}
		stream := v.primary
		if inCode {
			stream = v.secondary
		}
		read, err := stream.ReadAt(p[total:int64(total)+n], absOff)
		total += read
		if err != nil && err != io.EOF {
			return total, err
		}
		if read == 0 {
			break
		}
	}
	return total, nil
}

func (v *ExeFSView) Read(p []byte) (int, error) {
	n, err := v.ReadAt(p, v.cursor)
	v.cursor += int64(n)
	return n, err
}

func (v *ExeFSView) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = v.cursor + offset
	case io.SeekEnd:
		target = v.Size() + offset
	}
	v.cursor = target
	return target, nil
}

func (v *ExeFSView) Close() error { return nil }

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
