package wirecall

import (
	"net/http"
	"path"
	"path/filepath"
	"strings"
)

// =============================================================================
// Static File Serving
// =============================================================================

// staticFilePath maps a request path to a relative file path inside the
// static directory. ok is false when the request falls outside the
// static prefix or tries to escape the directory.
func (a *App) staticFilePath(urlPath string) (string, bool) {
	if a.staticFS == nil {
		return "", false
	}

	prefix := a.staticPrefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var rel string
	if prefix == "/" {
		rel = strings.TrimPrefix(urlPath, "/")
	} else {
		var ok bool
		rel, ok = strings.CutPrefix(urlPath, prefix)
		if !ok {
			return "", false
		}
	}
	if rel == "" {
		return "", false
	}

	// NUL (via %00) and backslashes never name a legitimate file.
	if strings.IndexByte(rel, 0) != -1 || strings.Contains(rel, "\\") {
		return "", false
	}

	// A leading "/" after prefix stripping is an absolute-path attempt,
	// e.g. "/static//etc/passwd" strips to "/etc/passwd".
	if strings.HasPrefix(rel, "/") {
		return "", false
	}

	// Refuse dot-segments outright instead of cleaning them away, so a
	// traversal attempt never turns into a different valid request.
	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return "", false
		}
	}

	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") {
		return "", false
	}

	// Reject OS-absolute and volume paths after slash conversion.
	if osPath := filepath.FromSlash(clean); filepath.IsAbs(osPath) || filepath.VolumeName(osPath) != "" {
		return "", false
	}

	return clean, true
}

// shouldServeStatic reports whether the request path names an existing
// static file.
func (a *App) shouldServeStatic(urlPath string) bool {
	rel, ok := a.staticFilePath(urlPath)
	if !ok {
		return false
	}

	f, err := a.staticFS.Open(rel)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	return err == nil && !info.IsDir()
}

// serveStatic handles static file requests.
func (a *App) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	rel, ok := a.staticFilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := a.staticFS.Open(rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	a.setCacheHeaders(w, rel)
	for key, value := range a.config.Static.Headers {
		w.Header().Set(key, value)
	}

	http.ServeContent(w, r, rel, info.ModTime(), f)
}

// setCacheHeaders applies the configured cache control strategy.
func (a *App) setCacheHeaders(w http.ResponseWriter, filePath string) {
	switch a.config.Static.CacheControl {
	case CacheControlNone:
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")

	case CacheControlProduction:
		if hasFingerprint(filePath) {
			// Fingerprinted files never change under the same name.
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=3600, must-revalidate")
		}
	}
}

// hasFingerprint reports whether a file name carries a content hash,
// e.g. "app.a1b2c3d4.css".
func hasFingerprint(filePath string) bool {
	parts := strings.Split(path.Base(filePath), ".")
	if len(parts) < 3 {
		return false
	}

	hash := parts[len(parts)-2]
	if len(hash) < 8 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
