package token

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestShieldRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x00}},
		{"ascii", []byte("csrf-token-value")},
		{"binary", []byte{0xff, 0x00, 0xaa, 0x55, 0x01}},
		{"long", bytes.Repeat([]byte{0xab}, 512)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Shield(tt.in)
			got, err := Unshield(s)
			if err != nil {
				t.Fatalf("Unshield() error = %v", err)
			}
			if !bytes.Equal(got, tt.in) {
				t.Errorf("Unshield(Shield(x)) = %v, want %v", got, tt.in)
			}
		})
	}
}

func TestShieldEmptyForm(t *testing.T) {
	if got := Shield(nil); got != "--" {
		t.Errorf("Shield(nil) = %q, want \"--\"", got)
	}
}

func TestShieldVaries(t *testing.T) {
	// The whole point: the same value never shields to the same string.
	in := []byte("stable-secret")
	if Shield(in) == Shield(in) {
		t.Error("Shield() produced identical output twice")
	}
}

func TestShieldFormat(t *testing.T) {
	s := Shield([]byte{0x12, 0x34})
	sep := strings.Index(s, "--")
	if sep != 4 {
		t.Fatalf("separator at %d, want 4 in %q", sep, s)
	}
	if len(s) != 4+2+4 {
		t.Errorf("len = %d, want 10 in %q", len(s), s)
	}
}

func TestUnshieldErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no separator", "deadbeef"},
		{"odd hex mask", "abc--abcd"},
		{"bad hex", "zz--zz"},
		{"length mismatch", "ab--abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unshield(tt.in); !errors.Is(err, ErrBadShield) {
				t.Errorf("Unshield(%q) error = %v, want ErrBadShield", tt.in, err)
			}
		})
	}
}

func BenchmarkShield(b *testing.B) {
	in := []byte("0123456789abcdef")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Shield(in)
	}
}
