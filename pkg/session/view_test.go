package session

import (
	"errors"
	"testing"
)

func TestView_ReadOnlyIsNoChange(t *testing.T) {
	base := &Snapshot{ID: "s", Version: 1, BPSalt: "x", Values: map[string]any{"user": "alice"}}
	view := NewView(base, nil, nil)

	got, err := view.Get("user")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != "alice" {
		t.Errorf("Get() got %#v", got)
	}
	if view.Changed() {
		t.Error("pure read reported a change")
	}
	if !view.Accessed() {
		t.Error("read did not mark the view accessed")
	}
}

func TestView_SetDetected(t *testing.T) {
	view := NewView(nil, nil, nil)
	if err := view.Set("user", "alice"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if !view.Changed() {
		t.Error("write not detected")
	}
}

func TestView_SetSameValueIsNoChange(t *testing.T) {
	base := &Snapshot{ID: "s", Version: 1, BPSalt: "x", Values: map[string]any{"n": float64(1)}}
	view := NewView(base, nil, nil)

	// The written int normalizes to the same wire shape as the stored
	// value, so nothing actually changed.
	if err := view.Set("n", 1); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if view.Changed() {
		t.Error("overwriting with the identical value reported a change")
	}
}

func TestView_InPlaceMutationDetected(t *testing.T) {
	base := &Snapshot{
		ID: "s", Version: 1, BPSalt: "x",
		Values: map[string]any{"prefs": map[string]any{"theme": "dark"}},
	}
	view := NewView(base, nil, nil)

	got, err := view.Get("prefs")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	got.(map[string]any)["theme"] = "light"

	if !view.Changed() {
		t.Error("in-place mutation of a read value was not detected")
	}
	if base.Values["prefs"].(map[string]any)["theme"] != "dark" {
		t.Error("mutation leaked into the base snapshot")
	}
}

func TestView_DeleteDetected(t *testing.T) {
	base := &Snapshot{ID: "s", Version: 1, BPSalt: "x", Values: map[string]any{"user": "alice"}}
	view := NewView(base, nil, nil)

	if err := view.Delete("user"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if !view.Changed() {
		t.Error("delete not detected")
	}
}

func TestView_ReservedFieldRejected(t *testing.T) {
	view := NewView(nil, nil, nil)
	if err := view.Set("bpSalt", "x"); err == nil {
		t.Fatal("Set() accepted a reserved field name")
	}
}

func TestView_Defaults(t *testing.T) {
	defaults := map[string]any{"counter": float64(0)}
	view := NewView(nil, defaults, nil)

	got, err := view.Get("counter")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != float64(0) {
		t.Errorf("default got %#v", got)
	}
	if view.Changed() {
		t.Error("reading a default reported a change")
	}

	if err := view.Set("counter", float64(1)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if !view.Changed() {
		t.Error("writing over a default was not detected")
	}
}

func TestView_DefaultsNotShared(t *testing.T) {
	defaults := map[string]any{"prefs": map[string]any{"theme": "dark"}}

	v1 := NewView(nil, defaults, nil)
	got, err := v1.Get("prefs")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	got.(map[string]any)["theme"] = "light"

	v2 := NewView(nil, defaults, nil)
	got2, err := v2.Get("prefs")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got2.(map[string]any)["theme"] != "dark" {
		t.Error("one view's mutation reached another view's defaults")
	}
}

func TestView_FixMode(t *testing.T) {
	view := NewView(nil, nil, nil)

	if err := view.FixMode("corsReadToken"); err != nil {
		t.Fatalf("FixMode() error: %v", err)
	}
	if view.Mode() != "corsReadToken" {
		t.Errorf("Mode() got %q", view.Mode())
	}
	if !view.Changed() {
		t.Error("fixing the mode was not treated as a change")
	}

	// Same mode again is fine, a different one is not.
	if err := view.FixMode("corsReadToken"); err != nil {
		t.Fatalf("FixMode() same mode error: %v", err)
	}
	err := view.FixMode("csrfToken")
	if !errors.Is(err, ErrModeLocked) {
		t.Fatalf("FixMode() conflicting mode got %v want ErrModeLocked", err)
	}
}

func TestView_TokenIssuance(t *testing.T) {
	view := NewView(nil, nil, nil)

	tok, err := view.CSRFToken("grp")
	if err != nil {
		t.Fatalf("CSRFToken() error: %v", err)
	}
	if len(tok) != 32 {
		t.Errorf("token length got %d want 32", len(tok))
	}
	if !view.Changed() {
		t.Error("token issuance did not count as a change")
	}

	again, err := view.CSRFToken("grp")
	if err != nil {
		t.Fatalf("CSRFToken() error: %v", err)
	}
	if again != tok {
		t.Error("second read issued a different token")
	}

	other, err := view.CSRFToken("other-grp")
	if err != nil {
		t.Fatalf("CSRFToken() error: %v", err)
	}
	if other == tok {
		t.Error("distinct groups share a token")
	}

	read, err := view.CorsReadToken("grp")
	if err != nil {
		t.Fatalf("CorsReadToken() error: %v", err)
	}
	if read == tok {
		t.Error("read token equals csrf token")
	}
	if _, ok := view.PeekCorsReadToken("grp"); !ok {
		t.Error("issued read token not peekable")
	}
	if _, ok := view.PeekCorsReadToken("unseen"); ok {
		t.Error("peek issued a token")
	}
}

func TestView_DestroyResetsWorkingCopy(t *testing.T) {
	base := &Snapshot{
		ID: "s", Version: 3, BPSalt: "x",
		ProtectionMode: "csrfToken",
		CSRFTokens:     map[string]string{"g": "t"},
		Values:         map[string]any{"user": "alice"},
	}
	view := NewView(base, map[string]any{"counter": float64(0)}, nil)

	if err := view.Destroy(); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if !view.Destroyed() {
		t.Error("Destroyed() is false after Destroy")
	}
	if !view.Changed() {
		t.Error("destroy of an existing session not treated as change")
	}

	got, err := view.Get("user")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Errorf("destroyed session still has user %#v", got)
	}
	counter, err := view.Get("counter")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if counter != float64(0) {
		t.Errorf("defaults not restored after destroy: %#v", counter)
	}
	if view.Mode() != "" {
		t.Errorf("mode survived destroy: %q", view.Mode())
	}
}

func TestView_BeforeAccessBlocks(t *testing.T) {
	denied := errors.New("access denied for this transport")
	var sawWrite bool
	view := NewView(nil, nil, func(write bool) error {
		if write {
			sawWrite = true
			return denied
		}
		return nil
	})

	if _, err := view.Get("x"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if err := view.Set("x", 1); !errors.Is(err, denied) {
		t.Fatalf("Set() got %v want the hook's error", err)
	}
	if !sawWrite {
		t.Error("hook did not see write=true")
	}
	if view.Changed() {
		t.Error("blocked write still changed the view")
	}
}

func TestView_UseAfterClose(t *testing.T) {
	view := NewView(nil, nil, nil)
	view.Close()

	if _, err := view.Get("x"); !errors.Is(err, ErrViewClosed) {
		t.Fatalf("Get() got %v want ErrViewClosed", err)
	}
	if err := view.Set("x", 1); !errors.Is(err, ErrViewClosed) {
		t.Fatalf("Set() got %v want ErrViewClosed", err)
	}
	if _, err := view.CSRFToken("g"); !errors.Is(err, ErrViewClosed) {
		t.Fatalf("CSRFToken() got %v want ErrViewClosed", err)
	}
}
