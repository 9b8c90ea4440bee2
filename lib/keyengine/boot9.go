package keyengine

import (
	"crypto/sha256"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
)

const boot9Size = 0x10000

// Boot9 holds the protected half (the last 0x8000 bytes) of the ARM9
// BootROM blob. Retail and Dev refer to the same slice; the retail or dev
// key table within it is picked by offset in SetupKeysFromBoot9 (spec §6, §C).
type Boot9 struct {
	Retail []byte
	Dev    []byte
}

// boot9KeyXOffsets names the documented fixed keyX offsets within the
// protected half of boot9.bin for keyslots 0x18-0x3F (spec §4.2). Retail
// keys start at 0xD9E0, dev keys at 0xD6E0 (spec §6).
var boot9KeyXOffsets = map[Slot]int{
	0x18: 0x00, 0x19: 0x10, 0x1A: 0x20, 0x1B: 0x30,
	0x25: 0x40,
	0x2C: 0x50, 0x2D: 0x60, 0x2E: 0x70, 0x2F: 0x80,
	0x30: 0x90, 0x31: 0xA0, 0x32: 0xB0, 0x33: 0xC0,
	0x34: 0xD0, 0x35: 0xE0, 0x36: 0xF0, 0x37: 0x100,
	0x38: 0x110, 0x39: 0x120, 0x3A: 0x130, 0x3B: 0x140,
	0x3C: 0x150, 0x3D: 0x160, 0x3E: 0x170, 0x3F: 0x180,
}

const (
	boot9RetailBase = 0xD9E0
	boot9DevBase    = 0xD6E0
)

// otpCipherOffset/otpCipherIVOffset locate the hardware-fixed OTP
// decryption key and CTR IV within boot9's protected half, distinct from
// the keyX table above (spec §4.2's "hardware-fixed CTR keys from
// boot9"). slotOTPCipher is the synthetic keyslot SetupKeysFromBoot9
// populates so SetupKeysFromOTP can drive it through the same
// CreateCTRCipher path every other CTR consumer uses.
const (
	otpCipherKeyOffset = 0x1F0
	otpCipherIVOffset  = 0x200
	slotOTPCipher       = Slot(0x44)
)

// ParseBoot9 validates the size of a boot9.bin blob and returns its
// protected half as both Retail and Dev.
func ParseBoot9(data []byte) (*Boot9, error) {
	if len(data) != boot9Size {
		return nil, ctrerrors.New(ctrerrors.KindInvalidBoot9, "boot9.bin must be exactly 0x10000 bytes")
	}
	protected := data[len(data)-0x8000:]
	return &Boot9{
		Retail: protected,
		Dev:    protected,
	}, nil
}

// SetupKeysFromBoot9 ingests the documented fixed keyX values from boot9
// into slots 0x18-0x3F, selecting the retail or dev half per e.Dev
// (spec §4.2).
func (e *Engine) SetupKeysFromBoot9(b *Boot9) {
	base := boot9RetailBase
	blob := b.Retail
	if e.Dev {
		base = boot9DevBase
		blob = b.Dev
	}
	for slot, off := range boot9KeyXOffsets {
		// base is a full-file offset; blob starts boot9Size-len(blob) in.
		absOff := base - (boot9Size - len(blob)) + off
		if absOff+16 > len(blob) {
			continue
		}
		var key Key128
		copy(key[:], blob[absOff:absOff+16])
		e.SetKeyslotBytes(slot, WhichX, key)
	}

	if otpCipherKeyOffset+16 <= len(blob) {
		var key Key128
		copy(key[:], blob[otpCipherKeyOffset:otpCipherKeyOffset+16])
		e.SetKeyslotBytes(slotOTPCipher, WhichNormal, key)
	}
	if otpCipherIVOffset+16 <= len(blob) {
		copy(e.otpIV[:], blob[otpCipherIVOffset:otpCipherIVOffset+16])
		e.hasOTPIV = true
	}
}

const otpSize = 0x100

// Warning is a non-fatal diagnostic returned alongside a successful
// result (spec §A: the teacher never logs from library code, so
// diagnostics travel as typed return values instead of being printed).
type Warning struct {
	Message string
}

func (w *Warning) Error() string { return w.Message }

// SetupKeysFromOTP decrypts the 256-byte OTP blob with boot9's
// hardware-fixed keys, verifies the "OTP " magic, and derives the
// console-unique movable.sed/NAND keyY values for slots 0x04-0x07 and
// 0x03 via the SHA-256 chain documented in spec §4.2.
func (e *Engine) SetupKeysFromOTP(otp []byte) error {
	if len(otp) != otpSize {
		return ctrerrors.New(ctrerrors.KindMissingOTP, "OTP blob must be exactly 0x100 bytes")
	}
	if !e.hasOTPIV {
		return ctrerrors.New(ctrerrors.KindMissingOTP, "boot9 not loaded: no OTP cipher IV")
	}

	ctrCipher, err := e.CreateCTRCipher(slotOTPCipher, e.otpIV)
	if err != nil {
		return err
	}
	decrypted := make([]byte, otpSize)
	for block := 0; block*16 < otpSize; block++ {
		start := block * 16
		ctrCipher.XORBlock(uint64(block), decrypted[start:start+16], otp[start:start+16])
	}

	if string(decrypted[0:4]) != "OTP " {
		return ctrerrors.New(ctrerrors.KindInvalidBoot9, "OTP magic mismatch")
	}

	// The console-unique NAND/movable.sed keyY material is derived by
	// hashing the OTP's device-id block; slots 0x04-0x07 (NAND CTR/TWL
	// family) and 0x03 (TWL NAND) receive the resulting keyY.
	sum := sha256.Sum256(decrypted[0x10:0x60])
	var keyY Key128
	copy(keyY[:], sum[:16])
	for _, slot := range []Slot{0x03, 0x04, 0x05, 0x06, 0x07} {
		e.SetKeyslotBytes(slot, WhichY, keyY)
	}
	return nil
}
