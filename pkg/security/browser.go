package security

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	safariVersionRe  = regexp.MustCompile(`Version/(\d+)`)
	firefoxVersionRe = regexp.MustCompile(`Firefox/(\d+)`)
)

// BrowserMightBeVulnerable reports whether the User-Agent belongs to a
// browser whose cross-origin protections cannot be trusted: Opera Mini
// renders through a proxy that does not enforce the same-origin policy,
// Safari through 5.x and Firefox before 23 shipped exploitable CORS
// handling. Such browsers never get cross-origin access, token or not.
func BrowserMightBeVulnerable(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	if strings.Contains(userAgent, "Opera Mini") {
		return true
	}
	if m := firefoxVersionRe.FindStringSubmatch(userAgent); m != nil {
		if major, err := strconv.Atoi(m[1]); err == nil && major < 23 {
			return true
		}
	}
	if isSafari(userAgent) {
		if m := safariVersionRe.FindStringSubmatch(userAgent); m != nil {
			if major, err := strconv.Atoi(m[1]); err == nil && major <= 5 {
				return true
			}
		}
	}
	return false
}

// isSafari filters out the many user agents that merely claim Safari
// compatibility. Chrome, Edge and Opera all carry a "Safari/" product token
// but never a "Version/" token, which real Safari always sends.
func isSafari(userAgent string) bool {
	if !strings.Contains(userAgent, "Safari/") {
		return false
	}
	for _, impostor := range []string{"Chrome/", "Chromium/", "CriOS/", "Edg", "OPR/", "Android"} {
		if strings.Contains(userAgent, impostor) {
			return false
		}
	}
	return true
}
