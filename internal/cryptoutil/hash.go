package cryptoutil

import (
	"crypto/subtle"
	"strings"
)

// HashEqual compares two hex digests in constant time. Case is ignored.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}
