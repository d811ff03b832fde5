package versioning

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentHash is the hex BLAKE2b-256 digest of title and content. A zero
// byte separates the two so ("ab", "c") and ("a", "bc") differ.
func ContentHash(title string, content []byte) string {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
