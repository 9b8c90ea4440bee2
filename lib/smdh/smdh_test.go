package smdh

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

func encodeUTF16LE(s string, fieldLen int) []byte {
	u16 := utf16.Encode([]rune(s))
	out := make([]byte, fieldLen)
	for i, v := range u16 {
		if i*2+2 > fieldLen {
			break
		}
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func makeSyntheticSMDH(shortDesc, longDesc, publisher string) []byte {
	total := largeIconOffset + largeIconSize*largeIconSize*2
	data := make([]byte, total)
	copy(data[magicOffset:], Magic)

	entry := data[titlesOffset : titlesOffset+titleEntrySize]
	copy(entry[0:shortDescLen], encodeUTF16LE(shortDesc, shortDescLen))
	copy(entry[shortDescLen:shortDescLen+longDescLen], encodeUTF16LE(longDesc, longDescLen))
	copy(entry[shortDescLen+longDescLen:shortDescLen+longDescLen+publisherLen], encodeUTF16LE(publisher, publisherLen))

	st := data[settingsOffset : settingsOffset+0x30]
	binary.LittleEndian.PutUint32(st[0x0C:], 0x7F) // region lockout: all regions

	// Fill both icons with a single solid RGB565 color so every decoded
	// pixel must come out identical regardless of tile/Morton placement.
	const solid = uint16(0b11111_000000_11111) // magenta-ish
	for i := 0; i < smallIconSize*smallIconSize; i++ {
		binary.LittleEndian.PutUint16(data[smallIconOffset+i*2:], solid)
	}
	for i := 0; i < largeIconSize*largeIconSize; i++ {
		binary.LittleEndian.PutUint16(data[largeIconOffset+i*2:], solid)
	}
	return data
}

func TestParseSMDHTitleStrings(t *testing.T) {
	data := makeSyntheticSMDH("Checkpoint", "Checkpoint save manager", "FlagBrew")
	s, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, "Checkpoint", s.Titles[0].ShortDescription)
	require.Equal(t, "Checkpoint save manager", s.Titles[0].LongDescription)
	require.Equal(t, "FlagBrew", s.Titles[0].Publisher)
	require.Equal(t, uint32(0x7F), s.Settings.RegionLockout)
}

func TestDecodeTiledRGB565SolidColor(t *testing.T) {
	data := makeSyntheticSMDH("x", "y", "z")
	s, err := Parse(data)
	require.NoError(t, err)

	require.Len(t, s.SmallIcon, smallIconSize)
	want := rgb565ToRGB888(0b11111_000000_11111)
	for y := 0; y < smallIconSize; y++ {
		for x := 0; x < smallIconSize; x++ {
			require.Equalf(t, want, s.SmallIcon[y][x], "pixel (%d,%d)", x, y)
		}
	}
}

func TestMorton8x8CoversEveryPositionExactlyOnce(t *testing.T) {
	var seen [8][8]bool
	for i := 0; i < 64; i++ {
		p := morton8x8[i]
		require.False(t, seen[p[1]][p[0]], "position (%d,%d) covered twice", p[0], p[1])
		seen[p[1]][p[0]] = true
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			require.True(t, seen[y][x], "position (%d,%d) never covered", x, y)
		}
	}
}

func TestRGB565ToRGB888Bounds(t *testing.T) {
	black := rgb565ToRGB888(0x0000)
	require.Equal(t, RGB{0, 0, 0}, black)

	white := rgb565ToRGB888(0xFFFF)
	require.Equal(t, RGB{255, 255, 255}, white)
}

func TestParseSMDHRejectsBadMagic(t *testing.T) {
	data := makeSyntheticSMDH("a", "b", "c")
	copy(data[magicOffset:], "XXXX")
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseSMDHRejectsShortBuffer(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	require.Error(t, err)
}
