package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wirecall-dev/wirecall/pkg/wire"
)

func TestSnapshotEncodeDecode(t *testing.T) {
	snap := &Snapshot{
		ID:             "abc123",
		Version:        7,
		BPSalt:         "salt-now",
		PreviousBPSalt: "salt-before",
		ProtectionMode: "corsReadToken",
		CSRFTokens:     map[string]string{"grp1": "deadbeef"},
		CorsReadTokens: map[string]string{"grp1": "cafebabe"},
		Values: map[string]any{
			"user":  "alice",
			"cart":  []any{"book", "pen"},
			"prefs": map[string]any{"theme": "dark"},
		},
	}

	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error: %v", err)
	}

	if got.ID != snap.ID || got.Version != snap.Version {
		t.Errorf("bookkeeping got (%q, %d) want (%q, %d)", got.ID, got.Version, snap.ID, snap.Version)
	}
	if got.BPSalt != "salt-now" || got.PreviousBPSalt != "salt-before" {
		t.Errorf("salts got (%q, %q)", got.BPSalt, got.PreviousBPSalt)
	}
	if got.ProtectionMode != "corsReadToken" {
		t.Errorf("mode got %q", got.ProtectionMode)
	}
	if got.CSRFTokens["grp1"] != "deadbeef" || got.CorsReadTokens["grp1"] != "cafebabe" {
		t.Errorf("tokens got %#v / %#v", got.CSRFTokens, got.CorsReadTokens)
	}
	if got.Values["user"] != "alice" {
		t.Errorf("user got %#v", got.Values["user"])
	}
	if _, reserved := got.Values[KeyID]; reserved {
		t.Error("internal key leaked into Values")
	}
}

func TestSnapshotEncode_FlatRecordLayout(t *testing.T) {
	snap := &Snapshot{
		ID:      "abc",
		Version: 1,
		BPSalt:  "s1",
		Values:  map[string]any{"user": "alice"},
	}

	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	// Internal fields sit beside the user fields in one flat object.
	var record map[string]json.RawMessage
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("record is not a JSON object: %v", err)
	}
	for _, key := range []string{"id", "version", "bpSalt", "user"} {
		if _, ok := record[key]; !ok {
			t.Errorf("record missing top-level key %q", key)
		}
	}
	if _, ok := record["previousBpSalt"]; ok {
		t.Error("empty previous salt was written")
	}
}

func TestSnapshotEncode_ReservedCollision(t *testing.T) {
	snap := &Snapshot{
		ID:      "abc",
		Version: 1,
		BPSalt:  "s1",
		Values:  map[string]any{"bpSalt": "own value"},
	}
	_, err := snap.Encode()
	if err == nil {
		t.Fatal("Encode() accepted a user field shadowing an internal key")
	}
	if !strings.Contains(err.Error(), "bpSalt") {
		t.Errorf("error does not name the key: %v", err)
	}
}

func TestDecodeSnapshot_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{nope"},
		{"not an object", `[1,2,3]`},
		{"no id", `{"version":1,"bpSalt":"x","user":"alice"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSnapshot([]byte(tt.data)); err == nil {
				t.Fatal("DecodeSnapshot() accepted invalid record")
			}
		})
	}
}

func TestSnapshotUndefinedSurvivesStorage(t *testing.T) {
	snap := &Snapshot{
		ID:      "abc",
		Version: 1,
		BPSalt:  "s1",
		Values: map[string]any{
			"maybe": wire.Undefined{},
			"empty": nil,
		},
	}

	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error: %v", err)
	}

	if _, ok := got.Values["maybe"].(wire.Undefined); !ok {
		t.Errorf("undefined came back as %#v", got.Values["maybe"])
	}
	if got.Values["empty"] != nil {
		t.Errorf("null came back as %#v", got.Values["empty"])
	}
}

func TestSnapshotClone_Independent(t *testing.T) {
	snap := &Snapshot{
		ID:         "abc",
		Version:    1,
		BPSalt:     "s1",
		CSRFTokens: map[string]string{"g": "t"},
		Values:     map[string]any{"prefs": map[string]any{"theme": "dark"}},
	}

	clone := snap.Clone()
	clone.Values["prefs"].(map[string]any)["theme"] = "light"
	clone.CSRFTokens["g"] = "other"

	if snap.Values["prefs"].(map[string]any)["theme"] != "dark" {
		t.Error("clone shares nested value state")
	}
	if snap.CSRFTokens["g"] != "t" {
		t.Error("clone shares token state")
	}
}

func TestSnapshotEqual(t *testing.T) {
	base := func() *Snapshot {
		return &Snapshot{
			ID:             "abc",
			Version:        3,
			BPSalt:         "s3",
			ProtectionMode: "preflight",
			CSRFTokens:     map[string]string{"g": "t"},
			Values:         map[string]any{"n": float64(1)},
		}
	}

	a, b := base(), base()
	// Bookkeeping differences do not make snapshots unequal.
	b.Version = 99
	b.BPSalt = "other"
	b.ID = "other"
	if !a.Equal(b) {
		t.Error("bookkeeping fields leaked into Equal")
	}

	b = base()
	b.Values["n"] = float64(2)
	if a.Equal(b) {
		t.Error("value difference not detected")
	}

	b = base()
	b.ProtectionMode = "csrfToken"
	if a.Equal(b) {
		t.Error("mode difference not detected")
	}

	b = base()
	b.CSRFTokens["g2"] = "t2"
	if a.Equal(b) {
		t.Error("token difference not detected")
	}
}

func TestNewSessionIDShape(t *testing.T) {
	id := NewSessionID()
	if len(id) != 32 {
		t.Fatalf("id length got %d want 32", len(id))
	}
	if id == NewSessionID() {
		t.Fatal("two ids collided")
	}
}
