package analysis

import (
	"regexp"
	"strings"
)

// jsScheme matches the javascript: scheme anywhere in a cell, not just at
// the start; an embedded occurrence is just as dangerous in a report.
var jsScheme = regexp.MustCompile(`(?i)javascript:`)

// sanitizeCell strips the characters and fragments that would let an
// uploaded spreadsheet smuggle markup or script into reports.
func sanitizeCell(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}

	replacer := strings.NewReplacer(
		"<", "",
		">", "",
		`"`, "",
		"'", "",
	)
	v = replacer.Replace(v)

	v = jsScheme.ReplaceAllString(v, "")
	v = stripEventHandlers(v)
	return strings.TrimSpace(v)
}

// stripEventHandlers removes inline event handler attributes (onclick=,
// onerror= and friends) at word boundaries.
func stripEventHandlers(v string) string {
	var b strings.Builder
	i := 0
	for i < len(v) {
		atBoundary := i == 0 || v[i-1] == ' ' || v[i-1] == '\t'
		if atBoundary && eventHandlerPrefix(v[i:]) {
			eq := strings.IndexByte(v[i:], '=')
			i += eq + 1
			continue
		}
		b.WriteByte(v[i])
		i++
	}
	return b.String()
}

// eventHandlerPrefix reports whether the string starts with an inline event
// handler attribute like onclick= or onerror=.
func eventHandlerPrefix(s string) bool {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "on") {
		return false
	}
	eq := strings.IndexByte(lower, '=')
	if eq < 3 || eq > 24 {
		return false
	}
	for _, r := range lower[2:eq] {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// sanitizeRow sanitizes every cell of a dataset row in place and drops
// entries whose key or value become empty.
func sanitizeRow(row map[string]string) map[string]string {
	clean := make(map[string]string, len(row))
	for k, v := range row {
		key := sanitizeCell(k)
		if key == "" {
			continue
		}
		clean[key] = sanitizeCell(v)
	}
	return clean
}
