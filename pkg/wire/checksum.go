package wire

import (
	"crypto/sha1"
	"encoding/hex"
)

// Checksum digests a sequence of payloads so both ends of a session can
// compare what was sent with what was delivered.
func Checksum(payloads [][]byte) string {
	hasher := sha1.New()
	for _, payload := range payloads {
		hasher.Write(payload)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
