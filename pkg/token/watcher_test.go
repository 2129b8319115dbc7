package token

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSecretsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets")
	content := "# newest first\nnew-secret-value\n\nold-secret-value\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	secrets, err := LoadSecretsFile(path)
	if err != nil {
		t.Fatalf("LoadSecretsFile() error = %v", err)
	}
	if len(secrets) != 2 || secrets[0] != "new-secret-value" || secrets[1] != "old-secret-value" {
		t.Errorf("LoadSecretsFile() = %v", secrets)
	}
}

func TestLoadSecretsFileEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets")
	if err := os.WriteFile(path, []byte("# only comments\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSecretsFile(path); err == nil {
		t.Error("LoadSecretsFile() on empty file: want error")
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets")
	if err := os.WriteFile(path, []byte("first-secret-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	box, err := New("bootstrap-secret")
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(box, path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	// NewWatcher loads the file immediately.
	preRotation, err := box.Encrypt("v", "t")
	if err != nil {
		t.Fatal(err)
	}
	check, _ := New("first-secret-value")
	if _, err := check.Decrypt(preRotation, "t"); err != nil {
		t.Fatalf("box not using file secret after NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to install before the first write.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("second-secret-value\nfirst-secret-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	rotated, _ := New("second-secret-value")
	deadline := time.Now().Add(5 * time.Second)
	for {
		sealed, err := box.Encrypt("v", "t")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := rotated.Decrypt(sealed, "t"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up the rotated secret")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Old tokens still open because the old secret stays listed.
	if _, err := box.Decrypt(preRotation, "t"); err != nil {
		t.Errorf("old token unreadable after rotation: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop on context cancel")
	}
}
