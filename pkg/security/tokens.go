package security

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/wirecall-dev/wirecall/pkg/token"
)

// VerifyToken reports whether a client-presented shielded token matches the
// issued token. issued is the hex secret stored in the session; presented is
// the shielded form handed to the browser. Comparison is constant time;
// empty values never verify.
func VerifyToken(presented, issued string) bool {
	if presented == "" || issued == "" {
		return false
	}
	raw, err := token.Unshield(presented)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(issued)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(raw, want) == 1
}

// ShieldToken converts an issued token hex into the shielded form handed to
// browsers. The shield is freshly random on every call, so the token never
// compresses the same way twice.
func ShieldToken(issued string) (string, error) {
	raw, err := hex.DecodeString(issued)
	if err != nil {
		return "", fmt.Errorf("security: issued token is not hex: %w", err)
	}
	return token.Shield(raw), nil
}
