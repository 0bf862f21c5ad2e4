// Package util holds small helpers shared across the tracker packages.
package util

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// HideAPIKey masks a credential for logging, keeping a short prefix and suffix.
func HideAPIKey(apiKey string) string {
	switch {
	case len(apiKey) > 8:
		return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	case len(apiKey) > 4:
		return apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	case len(apiKey) > 0:
		return "***"
	default:
		return ""
	}
}

// ExpandHome resolves a leading "~/" against the current user's home directory.
// Paths without the prefix are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// DisplayName turns a provider id such as "my-provider" or "api.example" into
// "My Provider" or "Api Example".
func DisplayName(id string) string {
	words := strings.FieldsFunc(id, func(r rune) bool {
		return r == '-' || r == '.' || r == ' '
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// EscapePath escapes a literal object key for use in a gjson or sjson path.
func EscapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EndpointURL extracts an http(s) endpoint from a providers.json value, which
// is either a bare URL string or an object with base_url, api or url.
func EndpointURL(value gjson.Result) string {
	if value.Type == gjson.String {
		if v := strings.TrimSpace(value.String()); strings.HasPrefix(v, "http") {
			return v
		}
		return ""
	}
	if !value.IsObject() {
		return ""
	}
	for _, field := range []string{"base_url", "api", "url"} {
		if v := strings.TrimSpace(value.Get(field).String()); strings.HasPrefix(v, "http") {
			return v
		}
	}
	return ""
}
