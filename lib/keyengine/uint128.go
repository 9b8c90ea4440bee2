package keyengine

import (
	"encoding/binary"
	"math/bits"
)

// u128 is a 128-bit unsigned integer used by the scrambler and CTR
// counter arithmetic. lo holds bits [0:64), hi holds bits [64:128).
type u128 struct {
	lo, hi uint64
}

func u128FromBE(b [16]byte) u128 {
	return u128{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

func (a u128) toBE() [16]byte {
	var out [16]byte
	binary.BigEndian.PutUint64(out[0:8], a.hi)
	binary.BigEndian.PutUint64(out[8:16], a.lo)
	return out
}

func u128FromLE(b [16]byte) u128 {
	return u128{
		lo: binary.LittleEndian.Uint64(b[0:8]),
		hi: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (a u128) toLE() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], a.lo)
	binary.LittleEndian.PutUint64(out[8:16], a.hi)
	return out
}

func (a u128) add(b u128) u128 {
	lo, carry := bits.Add64(a.lo, b.lo, 0)
	hi, _ := bits.Add64(a.hi, b.hi, carry)
	return u128{lo: lo, hi: hi}
}

// addUint64 adds a small value to the low 64 bits with carry, used to
// step a 128-bit CTR counter by block index.
func (a u128) addUint64(n uint64) u128 {
	return a.add(u128{lo: n})
}

func (a u128) xor(b u128) u128 {
	return u128{lo: a.lo ^ b.lo, hi: a.hi ^ b.hi}
}

// rotl rotates the 128-bit value left by n bits (0 <= n < 128).
func (a u128) rotl(n uint) u128 {
	n &= 127
	if n == 0 {
		return a
	}
	if n == 64 {
		return u128{lo: a.hi, hi: a.lo}
	}
	if n < 64 {
		lo := (a.lo << n) | (a.hi >> (64 - n))
		hi := (a.hi << n) | (a.lo >> (64 - n))
		return u128{lo: lo, hi: hi}
	}
	m := n - 64
	lo := (a.hi << m) | (a.lo >> (64 - m))
	hi := (a.lo << m) | (a.hi >> (64 - m))
	return u128{lo: lo, hi: hi}
}
