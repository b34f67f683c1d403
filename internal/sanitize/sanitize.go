// Package sanitize maps arbitrary mail header text to filesystem-safe tokens.
package sanitize

import (
	"path/filepath"
	"strings"
)

// Unknown is returned when nothing usable survives sanitization.
const Unknown = "Unknown"

const maxTokenLen = 50

const hostileChars = "/\\:*?\"<>| ."

// Token replaces filesystem-hostile and non-printable characters with
// underscores, trims leading/trailing underscores and caps the result at
// 50 characters. An empty result yields "Unknown". Idempotent.
func Token(s string) string {
	out := scrub(s)
	if out == "" {
		return Unknown
	}
	return out
}

// scrub is Token without the Unknown fallback.
func scrub(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r <= ' ' || r > '~' || strings.ContainsRune(hostileChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > maxTokenLen {
		// trim again so truncation cannot expose a trailing underscore
		out = strings.Trim(out[:maxTokenLen], "_")
	}
	return out
}

// SenderToken derives a token from a From header of the form
// "Display Name <addr>" or a bare address: the display name wins, then the
// local part of the address, then the whole header.
func SenderToken(from string) string {
	if i := strings.IndexByte(from, '<'); i >= 0 {
		if name := strings.TrimSpace(from[:i]); name != "" {
			return Token(name)
		}
	}
	if i := strings.IndexByte(from, '@'); i >= 0 {
		if local := strings.TrimSpace(from[:i]); local != "" {
			return Token(local)
		}
	}
	if s := strings.TrimSpace(from); s != "" {
		return Token(s)
	}
	return Unknown
}

// FileName sanitizes an attachment file name while keeping its extension
// intact, so "quarterly report.pdf" becomes "quarterly_report.pdf". It
// returns "" when no usable name remains; such attachments are skipped.
func FileName(name string) string {
	ext := filepath.Ext(name)
	stem := scrub(strings.TrimSuffix(name, ext))
	if stem == "" {
		return ""
	}
	if e := scrub(strings.TrimPrefix(ext, ".")); e != "" {
		return stem + "." + e
	}
	return stem
}
