package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy
)

func strict() *bluemonday.Policy {
	strictOnce.Do(func() { strictPolicy = bluemonday.StrictPolicy() })
	return strictPolicy
}

// PlainText strips every HTML element from s, unescapes entities and
// collapses whitespace. Search snippets arrive with <strong> highlights and
// entities that would otherwise leak into prompts.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return CollapseSpace(html.UnescapeString(strict().Sanitize(s)))
}

// CollapseSpace joins the whitespace-separated fields of s with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContentHash is the SHA-256 of the lowercased, whitespace-collapsed text.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(CollapseSpace(s))))
	return hex.EncodeToString(sum[:])
}

// Truncate shortens s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
