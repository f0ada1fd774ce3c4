package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// NormalizeSiteURL canonicalizes a site address from the directory file.
// Addresses arrive in every imaginable shape (bare hosts, http://, trailing
// slashes); documents are keyed by the normalized form so lookups agree.
func NormalizeSiteURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}

// HashContent returns the hex sha256 of the given content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DocumentID derives a document's primary key from its cleaned content and
// page URL.
func DocumentID(content, pageURL string) string {
	return HashContent(content + pageURL)
}

// TruncateUTF8 cuts s to at most maxBytes bytes without splitting a rune.
// Returns the (possibly shortened) string and whether truncation happened.
func TruncateUTF8(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
