package security

import (
	"net/url"
	"strings"
)

// MaskAddress keeps the first six and last four characters of an on-chain address.
func MaskAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// MaskAPIKey hides all but the last four characters.
func MaskAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}

// RedactURL strips credentials and query strings, which often carry API keys.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***invalid-url***"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
