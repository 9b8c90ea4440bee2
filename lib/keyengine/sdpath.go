package keyengine

import (
	"crypto/sha256"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// utf16LEEncoder is shared across calls; x/text encoders are safe for
// concurrent use once constructed.
var utf16LEEncoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()

// SDPathToIV canonicalises an SD-relative path to forward-slash ASCII,
// SHA-256-hashes its UTF-16LE encoding, and XOR-folds the 32-byte digest
// into a 16-byte big-endian CTR counter (spec §4.2, §8's SD IV test
// vector).
func SDPathToIV(path string) ([16]byte, error) {
	canon := strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
	encoded, err := utf16LEEncoder.String(canon)
	if err != nil {
		return [16]byte{}, err
	}
	sum := sha256.Sum256([]byte(encoded))

	var iv [16]byte
	for i := 0; i < 16; i++ {
		iv[i] = sum[i] ^ sum[i+16]
	}
	return iv, nil
}
