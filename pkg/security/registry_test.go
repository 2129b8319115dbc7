package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/wirecall-dev/wirecall/internal/diag"
)

func TestOptionsFingerprint(t *testing.T) {
	base := Options{}

	tests := []struct {
		name string
		a, b Options
		same bool
	}{
		{
			name: "identical zero options",
			a:    base,
			b:    Options{},
			same: true,
		},
		{
			name: "default mode splits groups",
			a:    base,
			b:    Options{DefaultMode: ModeCsrfToken},
			same: false,
		},
		{
			name: "force token check splits groups",
			a:    base,
			b:    Options{ForceTokenCheck: true},
			same: false,
		},
		{
			name: "dev disable splits groups",
			a:    base,
			b:    Options{DevDisableSecurity: true},
			same: false,
		},
		{
			name: "same origin list in different order",
			a:    Options{AllowedOrigins: Origins("https://a.example.com", "https://b.example.com")},
			b:    Options{AllowedOrigins: Origins("https://b.example.com", "https://a.example.com")},
			same: true,
		},
		{
			name: "different origin lists",
			a:    Options{AllowedOrigins: Origins("https://a.example.com")},
			b:    Options{AllowedOrigins: Origins("https://b.example.com")},
			same: false,
		},
		{
			name: "all origins vs same origin",
			a:    Options{AllowedOrigins: AllOrigins()},
			b:    base,
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, fb := tt.a.Fingerprint(), tt.b.Fingerprint()
			if (fa == fb) != tt.same {
				t.Errorf("fingerprints %q vs %q, want same=%v", fa, fb, tt.same)
			}
		})
	}
}

func TestOptionsFingerprint_PredicatesCompareByIdentity(t *testing.T) {
	allow := func(origin string) bool { return strings.HasSuffix(origin, ".example.com") }

	// Two separate OriginFunc wrappings are two distinct policies, even
	// around the same function.
	a := Options{AllowedOrigins: OriginFunc(allow)}
	b := Options{AllowedOrigins: OriginFunc(allow)}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("distinct OriginFunc policies share a fingerprint")
	}

	// Sharing one policy value shares the fingerprint.
	shared := OriginFunc(allow)
	c := Options{AllowedOrigins: shared}
	d := Options{AllowedOrigins: shared}
	if c.Fingerprint() != d.Fingerprint() {
		t.Error("shared policy value does not share a fingerprint")
	}
}

func TestRegistry_SharedGroups(t *testing.T) {
	r := NewRegistry()

	a, err := r.Group(Options{DefaultMode: ModePreflight})
	if err != nil {
		t.Fatalf("Group() error: %v", err)
	}
	b, err := r.Group(Options{DefaultMode: ModePreflight})
	if err != nil {
		t.Fatalf("Group() error: %v", err)
	}
	if a != b {
		t.Error("identical options produced distinct groups")
	}

	c, err := r.Group(Options{DefaultMode: ModeCsrfToken})
	if err != nil {
		t.Fatalf("Group() error: %v", err)
	}
	if c == a {
		t.Error("different options shared a group")
	}

	if got := len(r.Groups()); got != 2 {
		t.Errorf("Groups() returned %d groups, want 2", got)
	}
	if r.Lookup(a.ID()) != a {
		t.Error("Lookup did not return the registered group")
	}
}

func TestRegistry_FreezeRejectsNewGroups(t *testing.T) {
	r := NewRegistry()
	existing, err := r.Group(Options{})
	if err != nil {
		t.Fatalf("Group() error: %v", err)
	}

	r.Freeze()
	if !r.Frozen() {
		t.Fatal("Frozen() = false after Freeze")
	}

	// Known fingerprints still resolve.
	again, err := r.Group(Options{})
	if err != nil {
		t.Fatalf("Group() after freeze for known options: %v", err)
	}
	if again != existing {
		t.Error("known options resolved to a different group after freeze")
	}

	// New fingerprints do not.
	_, err = r.Group(Options{DefaultMode: ModeCsrfToken})
	if err == nil {
		t.Fatal("expected error registering new options after freeze")
	}
	var de *diag.Error
	if !errors.As(err, &de) || de.Code != "W007" {
		t.Errorf("error = %v, want diag code W007", err)
	}
}

func TestRegistry_DevSecurityDisabled(t *testing.T) {
	r := NewRegistry()
	if r.DevSecurityDisabled() {
		t.Error("empty registry reports security disabled")
	}

	if _, err := r.Group(Options{DevDisableSecurity: true}); err != nil {
		t.Fatal(err)
	}
	if !r.DevSecurityDisabled() {
		t.Error("single opted-in group should disable security")
	}

	// One strict service keeps the whole server strict.
	if _, err := r.Group(Options{}); err != nil {
		t.Fatal(err)
	}
	if r.DevSecurityDisabled() {
		t.Error("a strict group should keep security enabled")
	}
}
