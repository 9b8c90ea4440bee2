package keyengine

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

func (e *Engine) blockFor(slot Slot) (cipher.Block, error) {
	e.mu.Lock()
	ks := e.slots[slot]
	e.mu.Unlock()
	if !ks.hasN {
		return nil, ctrerrors.KeyslotMissing(byte(slot), "Normal")
	}
	return aes.NewCipher(ks.normal[:])
}

// ECBCipher performs single-block AES-ECB transforms with a keyslot's
// KeyNormal.
type ECBCipher struct{ block cipher.Block }

// CreateECBCipher builds an ECB cipher over slot's KeyNormal (spec §4.2).
func (e *Engine) CreateECBCipher(slot Slot) (*ECBCipher, error) {
	block, err := e.blockFor(slot)
	if err != nil {
		return nil, err
	}
	return &ECBCipher{block: block}, nil
}

func (c *ECBCipher) Encrypt(dst, src []byte) { c.block.Encrypt(dst, src) }
func (c *ECBCipher) Decrypt(dst, src []byte) { c.block.Decrypt(dst, src) }

// CBCCipher performs AES-CBC over a fixed-length buffer with a keyslot's
// KeyNormal and a caller-supplied IV.
type CBCCipher struct {
	block cipher.Block
	iv    [16]byte
}

// CreateCBCCipher builds a CBC cipher over slot's KeyNormal (spec §4.2).
func (e *Engine) CreateCBCCipher(slot Slot, iv [16]byte) (*CBCCipher, error) {
	block, err := e.blockFor(slot)
	if err != nil {
		return nil, err
	}
	return &CBCCipher{block: block, iv: iv}, nil
}

// Encrypt CBC-encrypts src (must be a multiple of 16 bytes) into dst.
func (c *CBCCipher) Encrypt(dst, src []byte) {
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(dst, src)
}

// Decrypt CBC-decrypts src (must be a multiple of 16 bytes) into dst.
func (c *CBCCipher) Decrypt(dst, src []byte) {
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(dst, src)
}

// CTRCipher produces the AES-CTR keystream for a keyslot, handling the
// TWL-mode byte-reversal variant (spec §3, §4.2).
type CTRCipher struct {
	block   cipher.Block
	baseCtr u128
	twl     bool
}

// CreateCTRCipher builds a CTR cipher over slot's KeyNormal starting at
// counter ctr (spec §4.2). ctr is given as a big-endian 128-bit value, as
// is conventional for 3DS CTR counters (program id || region tag || ...).
func (e *Engine) CreateCTRCipher(slot Slot, ctr [16]byte) (*CTRCipher, error) {
	block, err := e.blockFor(slot)
	if err != nil {
		return nil, err
	}
	return &CTRCipher{block: block, baseCtr: u128FromBE(ctr), twl: slot.isTWLFamily()}, nil
}

// KeystreamBlock computes the keystream for block index i:
// AES-ECB(KeyNormal, ctr+i), with the TWL-mode counter/output byte
// reversal applied before/after the AES call (spec §3).
func (c *CTRCipher) KeystreamBlock(i uint64) [16]byte {
	counter := c.baseCtr.addUint64(i)
	ctrBytes := counter.toBE()
	if c.twl {
		ctrBytes = reverseBytes(ctrBytes)
	}
	var out [16]byte
	c.block.Encrypt(out[:], ctrBytes[:])
	if c.twl {
		out = reverseBytes(out)
	}
	return out
}

// XORBlock produces ciphertext = plaintext XOR keystream(block_i) (or the
// inverse, since CTR-mode XOR is its own inverse). len(src) and len(dst)
// must not exceed 16.
func (c *CTRCipher) XORBlock(blockIndex uint64, dst, src []byte) {
	ks := c.KeystreamBlock(blockIndex)
	for i := range src {
		dst[i] = src[i] ^ ks[i]
	}
}

// CMAC computes a full 16-byte AES-CMAC (NIST SP 800-38B) over msg using
// slot's KeyNormal, generalizing
// barnettlynn-nfctools/pkg/ntag424/crypto.go's fixed-key aesCMAC to the
// key engine's keyslot bank (spec §4.2's create_cmac_object).
type CMAC struct {
	block  cipher.Block
	k1, k2 [16]byte
}

// CreateCMACObject builds a CMAC object over slot's KeyNormal.
func (e *Engine) CreateCMACObject(slot Slot) (*CMAC, error) {
	block, err := e.blockFor(slot)
	if err != nil {
		return nil, err
	}
	k1, k2 := cmacSubkeys(block)
	return &CMAC{block: block, k1: k1, k2: k2}, nil
}

// Sum computes the CMAC tag over msg.
func (c *CMAC) Sum(msg []byte) [16]byte {
	n := (len(msg) + 15) / 16
	if n == 0 {
		n = 1
	}
	lastComplete := len(msg) != 0 && len(msg)%16 == 0

	var last [16]byte
	if lastComplete {
		copy(last[:], msg[(n-1)*16:])
		xor16(&last, &last, &c.k1)
	} else {
		remain := len(msg) - (n-1)*16
		if remain > 0 {
			copy(last[:], msg[(n-1)*16:])
		}
		last[remain] = 0x80
		xor16(&last, &last, &c.k2)
	}

	var x, y [16]byte
	for i := 0; i < n-1; i++ {
		start := i * 16
		xorSlice(y[:], x[:], msg[start:start+16])
		c.block.Encrypt(x[:], y[:])
	}
	xor16(&y, &x, &last)
	c.block.Encrypt(x[:], y[:])
	return x
}

func cmacSubkeys(block cipher.Block) (k1, k2 [16]byte) {
	const rb = 0x87
	var zero, l [16]byte
	block.Encrypt(l[:], zero[:])

	leftShift1(k1[:], l[:])
	if l[0]&0x80 != 0 {
		k1[15] ^= rb
	}
	leftShift1(k2[:], k1[:])
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}
	return k1, k2
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xor16(dst, a, b *[16]byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func xorSlice(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}
