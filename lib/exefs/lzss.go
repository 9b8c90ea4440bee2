package exefs

import (
	"encoding/binary"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

// footerSize is the trailing metadata block appended to a compressed
// `.code` section (spec §4.4): u32 compressed-data-end-offset adjustment,
// u32 header size, u32 additional decompressed size.
const footerSize = 12

// DecompressCode applies Nintendo's backward LZSS algorithm used to
// compress ExeFS `.code` sections. The footer at the end of compressed
// gives the extra size needed to reach the final decompressed length;
// decompression walks backwards from the end of the buffer, consuming
// one flag byte per group of 8 back-reference/literal operations.
func DecompressCode(compressed []byte) ([]byte, error) {
	if len(compressed) < footerSize {
		return nil, ctrerrors.New(ctrerrors.KindCodeDecompressionFailed, "buffer shorter than footer")
	}
	footer := compressed[len(compressed)-footerSize:]
	headerSize := binary.LittleEndian.Uint32(footer[4:8])
	additionalSize := binary.LittleEndian.Uint32(footer[8:12])

	if int(headerSize) > len(compressed) {
		return nil, ctrerrors.New(ctrerrors.KindCodeDecompressionFailed, "footer header size exceeds buffer")
	}

	decompressedSize := len(compressed) + int(additionalSize)
	out := make([]byte, decompressedSize)
	// The compressed bytes must land at the TAIL of the grown buffer —
	// decompression runs backward from near the end of out, overwriting
	// already-consumed compressed bytes with decompressed ones as it
	// goes, so the source data has to start where the tail expects it.
	copy(out[decompressedSize-len(compressed):], compressed)

	// inOff/outOff walk backwards from the end of the compressed data
	// region (compressed data ends headerSize bytes before the buffer's
	// end, matching the footer's own placement).
	inOff := decompressedSize - int(headerSize)
	outOff := decompressedSize

	readByte := func() (byte, error) {
		inOff--
		if inOff < 0 {
			return 0, ctrerrors.New(ctrerrors.KindCodeDecompressionFailed, "input underrun")
		}
		return out[inOff], nil
	}

	for outOff > 0 {
		flags, err := readByte()
		if err != nil {
			return nil, err
		}
		for bit := 0; bit < 8; bit++ {
			if outOff <= 0 {
				break
			}
			if flags&0x80 == 0 {
				b, err := readByte()
				if err != nil {
					return nil, err
				}
				outOff--
				out[outOff] = b
			} else {
				b0, err := readByte()
				if err != nil {
					return nil, err
				}
				b1, err := readByte()
				if err != nil {
					return nil, err
				}
				length := int(b0>>4) + 3
				disp := (int(b0&0x0F)<<8 | int(b1)) + 3

				for i := 0; i < length; i++ {
					if outOff <= 0 {
						break
					}
					outOff--
					srcIdx := outOff + disp
					if srcIdx >= decompressedSize {
						return nil, ctrerrors.New(ctrerrors.KindCodeDecompressionFailed, "back-reference out of range")
					}
					out[outOff] = out[srcIdx]
				}
			}
			flags <<= 1
		}
	}
	return out, nil
}
