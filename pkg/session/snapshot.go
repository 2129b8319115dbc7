package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// Reserved record keys. They travel next to the user fields inside the
// stored record and stay invisible to method code.
const (
	KeyID             = "id"
	KeyVersion        = "version"
	KeyBPSalt         = "bpSalt"
	KeyPreviousBPSalt = "previousBpSalt"
	KeyProtectionMode = "csrfProtectionMode"
	KeyCSRFTokens     = "csrfTokens"
	KeyCorsReadTokens = "corsReadTokens"
)

// IsReservedKey reports whether name collides with an internal field.
func IsReservedKey(name string) bool {
	switch name {
	case KeyID, KeyVersion, KeyBPSalt, KeyPreviousBPSalt,
		KeyProtectionMode, KeyCSRFTokens, KeyCorsReadTokens:
		return true
	}
	return false
}

// Snapshot is one committed session state. Snapshots are treated as
// immutable once built; Views work on deep copies.
type Snapshot struct {
	// ID is the opaque session identifier, empty for an anonymous
	// baseline that was never committed.
	ID string

	// Version increments on every commit.
	Version int64

	// BPSalt is the branch-protection salt, rolled on every commit.
	BPSalt string

	// PreviousBPSalt is the salt the client-held cookie may still carry.
	PreviousBPSalt string

	// ProtectionMode is the committed CSRF protection mode, empty until
	// the first write fixes it. Immutable afterwards.
	ProtectionMode string

	// CSRFTokens maps security-group ids to issued csrf tokens (hex).
	CSRFTokens map[string]string

	// CorsReadTokens maps security-group ids to issued read tokens (hex).
	CorsReadTokens map[string]string

	// Values holds the user fields as a normalized value tree.
	Values map[string]any
}

// Clone deep-copies the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		ID:             s.ID,
		Version:        s.Version,
		BPSalt:         s.BPSalt,
		PreviousBPSalt: s.PreviousBPSalt,
		ProtectionMode: s.ProtectionMode,
		Values:         wire.CloneValue(s.Values).(map[string]any),
	}
	if s.Values == nil {
		out.Values = map[string]any{}
	}
	out.CSRFTokens = cloneStringMap(s.CSRFTokens)
	out.CorsReadTokens = cloneStringMap(s.CorsReadTokens)
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether two snapshots carry the same user-visible
// state: values, tokens, protection mode and destruction status. The
// bookkeeping fields (id, version, salts) are deliberately excluded;
// they change as a consequence of a commit, never cause one.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	if s.ProtectionMode != other.ProtectionMode {
		return false
	}
	if !equalStringMap(s.CSRFTokens, other.CSRFTokens) {
		return false
	}
	if !equalStringMap(s.CorsReadTokens, other.CorsReadTokens) {
		return false
	}
	return wire.EqualValue(normValues(s.Values), normValues(other.Values))
}

func normValues(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func equalStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Encode renders the snapshot as one flat record: internal fields and
// user fields side by side, extended JSON so values like undefined and
// big integers survive storage.
func (s *Snapshot) Encode() ([]byte, error) {
	record := make(map[string]any, len(s.Values)+7)
	for k, v := range s.Values {
		if IsReservedKey(k) {
			return nil, fmt.Errorf("session: user field %q collides with an internal key", k)
		}
		record[k] = v
	}
	record[KeyID] = s.ID
	record[KeyVersion] = s.Version
	record[KeyBPSalt] = s.BPSalt
	if s.PreviousBPSalt != "" {
		record[KeyPreviousBPSalt] = s.PreviousBPSalt
	}
	if s.ProtectionMode != "" {
		record[KeyProtectionMode] = s.ProtectionMode
	}
	if len(s.CSRFTokens) > 0 {
		record[KeyCSRFTokens] = stringMapTree(s.CSRFTokens)
	}
	if len(s.CorsReadTokens) > 0 {
		record[KeyCorsReadTokens] = stringMapTree(s.CorsReadTokens)
	}
	return wire.Marshal(record)
}

func stringMapTree(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DecodeSnapshot parses a stored record.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	tree, err := wire.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("session: decode record: %w", err)
	}
	record, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("session: record is not an object")
	}

	s := &Snapshot{Values: make(map[string]any)}
	s.ID, _ = record[KeyID].(string)
	if v, ok := wire.NumberToInt64(record[KeyVersion]); ok {
		s.Version = v
	}
	s.BPSalt, _ = record[KeyBPSalt].(string)
	s.PreviousBPSalt, _ = record[KeyPreviousBPSalt].(string)
	s.ProtectionMode, _ = record[KeyProtectionMode].(string)
	s.CSRFTokens = treeStringMap(record[KeyCSRFTokens])
	s.CorsReadTokens = treeStringMap(record[KeyCorsReadTokens])

	for k, v := range record {
		if IsReservedKey(k) {
			continue
		}
		s.Values[k] = v
	}

	if s.ID == "" {
		return nil, fmt.Errorf("session: record has no id")
	}
	return s, nil
}

func treeStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, el := range m {
		if s, ok := el.(string); ok {
			out[k] = s
		}
	}
	return out
}

// NewSessionID returns a fresh 16-byte hex session identifier.
func NewSessionID() string {
	return randomHex(16)
}

// NewSalt returns a fresh branch-protection salt.
func NewSalt() string {
	return randomHex(16)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("session: failed to generate random id: " + err.Error())
	}
	return hex.EncodeToString(b)
}
