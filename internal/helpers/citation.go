package helpers

import (
	"fmt"
	"strings"
	"time"
)

// Citation is the printable form of one answer source.
type Citation struct {
	Label     int
	Title     string
	URL       string
	Type      string
	Published time.Time
}

// FormatCitation renders "[n] Title (domain, type, 2006-01-02) <url>",
// omitting the parts that are unknown.
func FormatCitation(c Citation) string {
	parts := []string{fmt.Sprintf("[%d]", c.Label)}
	if t := CollapseSpace(c.Title); t != "" {
		parts = append(parts, t)
	}
	var meta []string
	if d := Domain(c.URL); d != "" {
		meta = append(meta, d)
	}
	if c.Type != "" {
		meta = append(meta, c.Type)
	}
	if !c.Published.IsZero() {
		meta = append(meta, c.Published.UTC().Format("2006-01-02"))
	}
	if len(meta) > 0 {
		parts = append(parts, "("+strings.Join(meta, ", ")+")")
	}
	if u := strings.TrimSpace(c.URL); u != "" {
		parts = append(parts, "<"+u+">")
	}
	return strings.Join(parts, " ")
}
