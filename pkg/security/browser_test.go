package security

import "testing"

func TestBrowserMightBeVulnerable(t *testing.T) {
	tests := []struct {
		name       string
		userAgent  string
		vulnerable bool
	}{
		{
			name:       "opera mini",
			userAgent:  "Opera Mini",
			vulnerable: true,
		},
		{
			name:       "opera mini full string",
			userAgent:  "Opera/9.80 (J2ME/MIDP; Opera Mini/9.80 (S60; SymbOS; Opera Mobi/23.348; U; en) Presto/2.5.25 Version/10.54",
			vulnerable: true,
		},
		{
			name:       "modern chrome",
			userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/104.0.0.0 Safari/537.36",
			vulnerable: false,
		},
		{
			name:       "safari 5",
			userAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_6_8) AppleWebKit/534.30 (KHTML, like Gecko) Version/5.0.5 Safari/534.30",
			vulnerable: true,
		},
		{
			name:       "safari 4",
			userAgent:  "Mozilla/5.0 (Windows; U; Windows NT 6.1; en-US) AppleWebKit/531.21.8 (KHTML, like Gecko) Version/4.0.4 Safari/531.21.10",
			vulnerable: true,
		},
		{
			name:       "safari 6",
			userAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_8_2) AppleWebKit/536.26.17 (KHTML, like Gecko) Version/6.0.2 Safari/536.26.17",
			vulnerable: false,
		},
		{
			name:       "safari 16",
			userAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
			vulnerable: false,
		},
		{
			name:       "firefox 22",
			userAgent:  "Mozilla/5.0 (Windows NT 6.1; rv:22.0) Gecko/20130405 Firefox/22.0",
			vulnerable: true,
		},
		{
			name:       "firefox 23",
			userAgent:  "Mozilla/5.0 (Windows NT 6.2; rv:23.0) Gecko/20130406 Firefox/23.0",
			vulnerable: false,
		},
		{
			name:       "firefox 115",
			userAgent:  "Mozilla/5.0 (X11; Linux x86_64; rv:115.0) Gecko/20100101 Firefox/115.0",
			vulnerable: false,
		},
		{
			name:       "edge",
			userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			vulnerable: false,
		},
		{
			name:       "chrome on ios",
			userAgent:  "Mozilla/5.0 (iPhone; CPU iPhone OS 16_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/108.0.5359.52 Mobile/15E148 Safari/604.1",
			vulnerable: false,
		},
		{
			name:       "curl has no quirks",
			userAgent:  "curl/8.4.0",
			vulnerable: false,
		},
		{
			name:       "empty user agent",
			userAgent:  "",
			vulnerable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BrowserMightBeVulnerable(tt.userAgent); got != tt.vulnerable {
				t.Errorf("BrowserMightBeVulnerable(%q) = %v, want %v", tt.userAgent, got, tt.vulnerable)
			}
		})
	}
}
