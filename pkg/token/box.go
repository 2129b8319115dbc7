package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/wirecall-dev/wirecall/pkg/wire"
)

// Box is the wire form of a sealed token.
type Box struct {
	Type       string `json:"type"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// TokenBox errors.
var (
	ErrEmptySecret    = errors.New("token: empty secret")
	ErrSecretTooShort = errors.New("token: secret shorter than 8 bytes")
	ErrWrongType      = errors.New("token: wrong token type")
	ErrDecryptFailed  = errors.New("token: decryption failed")
	ErrBadToken       = errors.New("token: malformed token")
)

const (
	// MinSecretLen is the shortest accepted secret.
	MinSecretLen = 8

	// maxTypeLen bounds the embedded type tag.
	maxTypeLen = 64

	nonceLen = 24
	keyLen   = 32

	// hkdfSalt scopes derived keys to this module.
	hkdfSalt = "wirecall"
	hkdfInfo = "token-box"
)

// TokenBox seals and opens typed payloads. The active keys can be
// swapped at runtime, so all methods are safe for concurrent use.
type TokenBox struct {
	keys atomic.Pointer[[][keyLen]byte]
}

// New derives a TokenBox from one or more secrets, newest first.
// With no secrets a fresh random one is generated, which is fine for a
// single process but means tokens do not survive restarts and cannot be
// opened by other instances.
func New(secrets ...string) (*TokenBox, error) {
	if len(secrets) == 0 {
		secrets = []string{GenerateSecret()}
	}
	b := &TokenBox{}
	if err := b.SetSecrets(secrets...); err != nil {
		return nil, err
	}
	return b, nil
}

// SetSecrets replaces the active secrets, newest first. Tokens sealed
// under any listed secret stay readable.
func (b *TokenBox) SetSecrets(secrets ...string) error {
	if len(secrets) == 0 {
		return ErrEmptySecret
	}
	keys := make([][keyLen]byte, 0, len(secrets))
	for _, s := range secrets {
		k, err := deriveKey(s)
		if err != nil {
			return err
		}
		keys = append(keys, k)
	}
	b.keys.Store(&keys)
	return nil
}

func deriveKey(secret string) ([keyLen]byte, error) {
	var key [keyLen]byte
	if secret == "" {
		return key, ErrEmptySecret
	}
	if len(secret) < MinSecretLen {
		return key, ErrSecretTooShort
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("token: key derivation: %w", err)
	}
	return key, nil
}

// GenerateSecret returns a fresh random secret in base64 form, suitable
// for configuration files and environment variables.
func GenerateSecret() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("token: failed to generate secret: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Encrypt seals payload under the newest key. The type tag is embedded
// in the sealed plaintext, so it is covered by authentication; the copy
// on the Box is for routing only.
func (b *TokenBox) Encrypt(payload any, typ string) (*Box, error) {
	if err := checkType(typ); err != nil {
		return nil, err
	}
	data, err := wire.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("token: encode payload: %w", err)
	}

	plain := make([]byte, 0, 1+len(typ)+len(data))
	plain = append(plain, byte(len(typ)))
	plain = append(plain, typ...)
	plain = append(plain, data...)

	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("token: nonce: %w", err)
	}

	keys := *b.keys.Load()
	sealed := secretbox.Seal(nil, plain, &nonce, &keys[0])
	return &Box{Type: typ, Nonce: nonce[:], Ciphertext: sealed}, nil
}

// Decrypt opens box and verifies the embedded type tag. The payload
// comes back as a decoded wire value tree.
func (b *TokenBox) Decrypt(box *Box, expectedType string) (any, error) {
	plain, err := b.open(box)
	if err != nil {
		return nil, err
	}
	typ, data, err := splitPlain(plain)
	if err != nil {
		return nil, err
	}
	if typ != expectedType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, typ, expectedType)
	}
	return wire.Unmarshal(data)
}

// DecryptInto is Decrypt followed by re-encoding into out via JSON, for
// callers that want a typed payload instead of a value tree.
func (b *TokenBox) DecryptInto(box *Box, expectedType string, out any) error {
	plain, err := b.open(box)
	if err != nil {
		return err
	}
	typ, data, err := splitPlain(plain)
	if err != nil {
		return err
	}
	if typ != expectedType {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongType, typ, expectedType)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("token: decode payload: %w", err)
	}
	return nil
}

func (b *TokenBox) open(box *Box) ([]byte, error) {
	if box == nil || len(box.Nonce) != nonceLen || len(box.Ciphertext) == 0 {
		return nil, ErrBadToken
	}
	var nonce [nonceLen]byte
	copy(nonce[:], box.Nonce)

	// Newest key first; older keys cover tokens from before a rotation.
	for _, key := range *b.keys.Load() {
		if plain, ok := secretbox.Open(nil, box.Ciphertext, &nonce, &key); ok {
			return plain, nil
		}
	}
	return nil, ErrDecryptFailed
}

func splitPlain(plain []byte) (string, []byte, error) {
	if len(plain) < 1 {
		return "", nil, ErrBadToken
	}
	n := int(plain[0])
	if len(plain) < 1+n {
		return "", nil, ErrBadToken
	}
	return string(plain[1 : 1+n]), plain[1+n:], nil
}

func checkType(typ string) error {
	if typ == "" || len(typ) > maxTypeLen {
		return fmt.Errorf("token: bad type tag %q", typ)
	}
	for i := 0; i < len(typ); i++ {
		if typ[i] < 0x21 || typ[i] > 0x7e {
			return fmt.Errorf("token: bad type tag %q", typ)
		}
	}
	return nil
}

// EncodeString renders a box as one URL-safe string.
func EncodeString(box *Box) (string, error) {
	data, err := json.Marshal(box)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeString reverses EncodeString.
func DecodeString(s string) (*Box, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	var box Box
	if err := json.Unmarshal(data, &box); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	return &box, nil
}

// SealString is Encrypt followed by EncodeString.
func (b *TokenBox) SealString(payload any, typ string) (string, error) {
	box, err := b.Encrypt(payload, typ)
	if err != nil {
		return "", err
	}
	return EncodeString(box)
}

// OpenString is DecodeString followed by DecryptInto.
func (b *TokenBox) OpenString(s, expectedType string, out any) error {
	box, err := DecodeString(s)
	if err != nil {
		return err
	}
	return b.DecryptInto(box, expectedType, out)
}
