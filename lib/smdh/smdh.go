// Package smdh parses the System Menu Data Header: title strings, region
// lockout, and tiled RGB565 icon data (spec §3 "SMDH", §4.10).
package smdh

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

const (
	magicOffset = 0x00
	Magic       = "SMDH"

	titleCount    = 16
	titleEntrySize = 0x200
	shortDescLen  = 0x80
	longDescLen   = 0x100
	publisherLen  = 0x80

	titlesOffset   = 0x08
	settingsOffset = titlesOffset + titleCount*titleEntrySize

	smallIconOffset = 0x2040
	smallIconSize   = 24
	largeIconOffset = 0x24C0
	largeIconSize   = 48
)

// Title holds one language's title strings (UTF-16LE decoded).
type Title struct {
	ShortDescription string
	LongDescription  string
	Publisher        string
}

// Settings is the 0x30-byte application settings block.
type Settings struct {
	AgeRatings      [12]byte
	RegionLockout   uint32
	MatchMakerID    uint32
	MatchMakerBitID uint64
	Flags           uint32
	EULAVersion     uint16
	OptimalAnimFrame uint32 // stored as float32 bits
	CECState        uint32
}

// RGB is one decoded icon pixel.
type RGB struct {
	R, G, B uint8
}

// SMDH is a fully parsed System Menu Data Header.
type SMDH struct {
	Titles     [titleCount]Title
	Settings   Settings
	SmallIcon  [][]RGB // [y][x], 24x24
	LargeIcon  [][]RGB // [y][x], 48x48
}

// Parse decodes a full SMDH blob.
func Parse(data []byte) (*SMDH, error) {
	if len(data) < largeIconOffset+largeIconSize*largeIconSize*2 {
		return nil, ctrerrors.At(ctrerrors.KindInvalidHeader, "smdh shorter than expected", int64(len(data)))
	}
	if string(data[magicOffset:magicOffset+4]) != Magic {
		return nil, ctrerrors.InvalidHeader("SMDH", magicOffset)
	}

	s := &SMDH{}
	for i := 0; i < titleCount; i++ {
		off := titlesOffset + i*titleEntrySize
		entry := data[off : off+titleEntrySize]
		s.Titles[i] = Title{
			ShortDescription: decodeUTF16LE(entry[0:shortDescLen]),
			LongDescription:  decodeUTF16LE(entry[shortDescLen : shortDescLen+longDescLen]),
			Publisher:        decodeUTF16LE(entry[shortDescLen+longDescLen : shortDescLen+longDescLen+publisherLen]),
		}
	}

	st := data[settingsOffset : settingsOffset+0x30]
	copy(s.Settings.AgeRatings[:], st[0x00:0x0C])
	s.Settings.RegionLockout = binary.LittleEndian.Uint32(st[0x0C:])
	s.Settings.MatchMakerID = binary.LittleEndian.Uint32(st[0x10:])
	s.Settings.MatchMakerBitID = binary.LittleEndian.Uint64(st[0x14:])
	s.Settings.Flags = binary.LittleEndian.Uint32(st[0x1C:])
	s.Settings.EULAVersion = binary.LittleEndian.Uint16(st[0x20:])
	s.Settings.OptimalAnimFrame = binary.LittleEndian.Uint32(st[0x24:])
	s.Settings.CECState = binary.LittleEndian.Uint32(st[0x28:])

	s.SmallIcon = decodeTiledRGB565(data[smallIconOffset:smallIconOffset+smallIconSize*smallIconSize*2], smallIconSize)
	s.LargeIcon = decodeTiledRGB565(data[largeIconOffset:largeIconOffset+largeIconSize*largeIconSize*2], largeIconSize)
	return s, nil
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i:])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

// morton8x8 maps a within-tile linear pixel index (0..63) to its (x,y)
// Z-order position inside the 8x8 tile (spec §4.10).
var morton8x8 = buildMorton8x8()

func buildMorton8x8() [64][2]int {
	var table [64][2]int
	for i := 0; i < 64; i++ {
		x, y := 0, 0
		for bit := 0; bit < 3; bit++ {
			x |= ((i >> (2 * bit)) & 1) << bit
			y |= ((i >> (2*bit + 1)) & 1) << bit
		}
		table[i] = [2]int{x, y}
	}
	return table
}

// decodeTiledRGB565 decodes a square icon stored as 8x8-tile-major,
// Morton-order-within-tile RGB565 data into a dense [y][x] RGB array.
func decodeTiledRGB565(data []byte, size int) [][]RGB {
	out := make([][]RGB, size)
	for y := range out {
		out[y] = make([]RGB, size)
	}

	tilesPerRow := size / 8
	pixelIdx := 0
	for tileY := 0; tileY < tilesPerRow; tileY++ {
		for tileX := 0; tileX < tilesPerRow; tileX++ {
			for i := 0; i < 64; i++ {
				off := pixelIdx * 2
				if off+2 > len(data) {
					break
				}
				c := binary.LittleEndian.Uint16(data[off:])
				px := morton8x8[i]
				x := tileX*8 + px[0]
				y := tileY*8 + px[1]
				out[y][x] = rgb565ToRGB888(c)
				pixelIdx++
			}
		}
	}
	return out
}

func rgb565ToRGB888(c uint16) RGB {
	r := (c >> 11) & 0x1F
	g := (c >> 5) & 0x3F
	b := c & 0x1F
	return RGB{
		R: uint8(int(r) * 255 / 31),
		G: uint8(int(g) * 255 / 63),
		B: uint8(int(b) * 255 / 31),
	}
}
