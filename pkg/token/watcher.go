package token

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadSecretsFile reads secrets from path, one per line, newest first.
// Blank lines and #-comments are skipped.
func LoadSecretsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var secrets []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		secrets = append(secrets, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("token: no secrets in %s", path)
	}
	return secrets, nil
}

// Watcher swaps a TokenBox's secrets when the backing file changes on
// disk, so keys rotate without a restart.
type Watcher struct {
	box      *TokenBox
	path     string
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher returns a watcher for box fed from the secrets file at
// path. The file must already load cleanly; pass nil for the default
// logger.
func NewWatcher(box *TokenBox, path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secrets, err := LoadSecretsFile(path)
	if err != nil {
		return nil, err
	}
	if err := box.SetSecrets(secrets...); err != nil {
		return nil, err
	}
	return &Watcher{
		box:      box,
		path:     path,
		logger:   logger.With("component", "token-watcher"),
		debounce: 100 * time.Millisecond,
	}, nil
}

// Run blocks until ctx is done, reloading the secrets file on change.
// The parent directory is watched so that atomic renames (the usual way
// secret managers update files) are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("token: watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("token: watch %s: %w", dir, err)
	}

	base := filepath.Base(w.path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Writers often emit several events per update; coalesce.
			pending = time.After(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	secrets, err := LoadSecretsFile(w.path)
	if err != nil {
		w.logger.Error("secrets reload failed, keeping current keys", "path", w.path, "error", err)
		return
	}
	if err := w.box.SetSecrets(secrets...); err != nil {
		w.logger.Error("secrets rejected, keeping current keys", "path", w.path, "error", err)
		return
	}
	w.logger.Info("secrets reloaded", "path", w.path, "count", len(secrets))
}
