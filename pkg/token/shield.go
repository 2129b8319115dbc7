package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// shieldSep separates the mask from the masked value.
const shieldSep = "--"

// ErrBadShield reports a string that is not a shielded value.
var ErrBadShield = errors.New("token: malformed shielded value")

// Shield masks buf with fresh randomness so that the compressed form of
// the result differs on every call. The empty buffer shields to "--".
func Shield(buf []byte) string {
	mask := make([]byte, len(buf))
	if len(mask) > 0 {
		if _, err := rand.Read(mask); err != nil {
			panic("token: failed to generate shield mask: " + err.Error())
		}
	}
	masked := make([]byte, len(buf))
	for i := range buf {
		masked[i] = buf[i] ^ mask[i]
	}
	return hex.EncodeToString(mask) + shieldSep + hex.EncodeToString(masked)
}

// Unshield recovers the value masked by Shield.
func Unshield(s string) ([]byte, error) {
	sep := strings.Index(s, shieldSep)
	if sep < 0 {
		return nil, ErrBadShield
	}
	mask, err := hex.DecodeString(s[:sep])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadShield, err)
	}
	masked, err := hex.DecodeString(s[sep+len(shieldSep):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadShield, err)
	}
	if len(mask) != len(masked) {
		return nil, fmt.Errorf("%w: length mismatch", ErrBadShield)
	}
	buf := make([]byte, len(masked))
	for i := range masked {
		buf[i] = masked[i] ^ mask[i]
	}
	return buf, nil
}
