package server

import (
	"errors"
	"strings"
	"testing"
)

func echoMethod(c *CallContext, args []any) (any, error) { return args, nil }

func TestRegisterReservedName(t *testing.T) {
	svc := NewService("books")
	for _, name := range []string{"doCall", "session", MethodWelcomeInfo, MethodCsrfToken} {
		_, err := svc.Register(name, echoMethod, nil, nil)
		if code := diagCode(t, err); code != "W001" {
			t.Errorf("Register(%q) = %s, want W001", name, code)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := NewService("books")
	if _, err := svc.Register("getBook", echoMethod, nil, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := svc.Register("getBook", echoMethod, nil, nil)
	if code := diagCode(t, err); code != "W004" {
		t.Errorf("duplicate Register = %s, want W004", code)
	}
}

func TestLookupDistinguishesMisses(t *testing.T) {
	svc := NewService("books")
	svc.MustRegister("getBook", echoMethod, nil, nil)
	svc.NoteLocal("openDatabase")

	if m, err := svc.Lookup("getBook"); err != nil || m == nil || m.Name != "getBook" {
		t.Fatalf("Lookup(getBook) = %v, %v", m, err)
	}

	tests := []struct {
		name   string
		reason LookupFailure
		status int
	}{
		{MethodCsrfToken, LookupReserved, 400},
		{"openDatabase", LookupNotRemote, 404},
		{"burnBook", LookupUnknown, 404},
	}
	for _, tt := range tests {
		_, err := svc.Lookup(tt.name)
		var nf *MethodNotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("Lookup(%q) = %v, want MethodNotFoundError", tt.name, err)
		}
		if nf.Reason != tt.reason {
			t.Errorf("Lookup(%q) reason = %v, want %v", tt.name, nf.Reason, tt.reason)
		}
		if nf.HTTPStatus() != tt.status {
			t.Errorf("Lookup(%q) status = %d, want %d", tt.name, nf.HTTPStatus(), tt.status)
		}
	}
}

func TestNoteLocalNeverShadowsRemote(t *testing.T) {
	svc := NewService("books")
	svc.MustRegister("getBook", echoMethod, nil, nil)
	svc.NoteLocal("getBook")
	if _, err := svc.Lookup("getBook"); err != nil {
		t.Errorf("registered method hidden by NoteLocal: %v", err)
	}
}

func TestRegisterPromotesLocalName(t *testing.T) {
	svc := NewService("books")
	svc.NoteLocal("getBook")
	svc.MustRegister("getBook", echoMethod, nil, nil)
	if _, err := svc.Lookup("getBook"); err != nil {
		t.Errorf("promoted method not found: %v", err)
	}
}

func TestAcceptsMultipart(t *testing.T) {
	svc := NewService("books")
	svc.MustRegister("getBook", echoMethod, []Param{{Name: "name", Kind: KindString}}, nil)
	if svc.AcceptsMultipart() {
		t.Error("service without binary params accepts multipart")
	}
	svc.MustRegister("addCover", echoMethod, []Param{
		{Name: "name", Kind: KindString},
		{Name: "image", Kind: KindBytes},
	}, nil)
	if !svc.AcceptsMultipart() {
		t.Error("service with a bytes param refuses multipart")
	}
}

func TestMethodDefaultsInherited(t *testing.T) {
	svc := NewService("books", WithMethodDefaults(MethodOptions{IsSafe: true}))
	inherited := svc.MustRegister("getBook", echoMethod, nil, nil)
	if !inherited.Options.IsSafe {
		t.Error("nil options did not inherit the service defaults")
	}
	explicit := svc.MustRegister("addBook", echoMethod, nil, &MethodOptions{})
	if explicit.Options.IsSafe {
		t.Error("explicit options were overridden by the defaults")
	}
}

func TestDeclareSessionField(t *testing.T) {
	svc := NewService("books")
	if err := svc.DeclareSessionField("theme", func() any { return "light" }); err != nil {
		t.Fatalf("DeclareSessionField: %v", err)
	}

	defaults := svc.SessionDefaults()
	if defaults["theme"] != "light" {
		t.Fatalf("defaults = %v, want theme light", defaults)
	}
	defaults["theme"] = "dark"
	if svc.SessionDefaults()["theme"] != "light" {
		t.Error("SessionDefaults returned a live reference")
	}
}

func TestDeclareSessionFieldReservedKey(t *testing.T) {
	svc := NewService("books")
	err := svc.DeclareSessionField("csrfTokens", func() any { return "x" })
	if err == nil || !strings.Contains(err.Error(), "collides") {
		t.Errorf("reserved key declaration = %v, want a collision error", err)
	}
}

func TestDeclareSessionFieldNondeterministic(t *testing.T) {
	svc := NewService("books")
	n := 0
	err := svc.DeclareSessionField("counter", func() any { n++; return n })
	if code := diagCode(t, err); code != "W006" {
		t.Errorf("nondeterministic default = %s, want W006", code)
	}
}

func TestDeclareSessionFieldConflict(t *testing.T) {
	svc := NewService("books")
	if err := svc.DeclareSessionField("theme", func() any { return "light" }); err != nil {
		t.Fatalf("first declaration: %v", err)
	}
	if err := svc.DeclareSessionField("theme", func() any { return "light" }); err != nil {
		t.Errorf("identical re-declaration = %v, want nil", err)
	}
	err := svc.DeclareSessionField("theme", func() any { return "dark" })
	if code := diagCode(t, err); code != "W005" {
		t.Errorf("conflicting re-declaration = %s, want W005", code)
	}
}
