// Package usage turns device screen-time reports into normalized ledger
// entries and sums them over a challenge week.
package usage

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"fscreentime/internal/models"
)

// entryPattern matches "<name> (<H>h <M>m <S>s)". Every unit is optional but the
// parentheses are not. Long unit spellings ("2 hours 5 minutes") are accepted too.
var entryPattern = regexp.MustCompile(`(?i)^(.+?)\s*\(\s*` +
	`(?:(\d+)\s*h(?:ours?|rs?)?)?\s*` +
	`(?:(\d+)\s*m(?:in(?:ute)?s?)?)?\s*` +
	`(?:(\d+)\s*s(?:ec(?:ond)?s?)?)?\s*\)\s*$`)

// Parse converts a free-text report such as "Safari (1h 30m), Messages (12m 40s)"
// into entries. Unparsable, empty-name and zero-minute items are dropped.
func Parse(text string) []models.Entry {
	text = stripInvisible(text)

	var out []models.Entry
	for _, token := range splitEntries(text) {
		if e, ok := parseEntry(token); ok {
			out = append(out, e)
		}
	}
	return out
}

// Clean filters already-structured entries the same way Parse filters text.
func Clean(entries []models.Entry) []models.Entry {
	out := make([]models.Entry, 0, len(entries))
	for _, e := range entries {
		e.App = strings.TrimSpace(stripInvisible(e.App))
		if e.App == "" || e.Minutes <= 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

func parseEntry(token string) (models.Entry, bool) {
	m := entryPattern.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return models.Entry{}, false
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		return models.Entry{}, false
	}
	minutes := RoundMinutes(atoi(m[2]), atoi(m[3]), atoi(m[4]))
	if minutes <= 0 {
		return models.Entry{}, false
	}
	return models.Entry{App: name, Minutes: minutes}, true
}

// RoundMinutes folds seconds into minutes: 0-29s are dropped, 30-59s add exactly one minute.
func RoundMinutes(hours, minutes, seconds int) int {
	total := hours*60 + minutes
	if seconds >= 30 {
		total++
	}
	return total
}

// splitEntries splits on commas that are followed (after optional spaces) by a
// letter or digit, so "App (1h, 30m)" style trailers stay whole.
func splitEntries(text string) []string {
	runes := []rune(text)
	var parts []string
	start := 0
	for i, r := range runes {
		if r != ',' {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
			parts = append(parts, string(runes[start:i]))
			start = i + 1
		}
	}
	return append(parts, string(runes[start:]))
}

// stripInvisible removes zero-width and directional formatting characters that
// automation tools tend to inject.
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\u00AD', r == '\uFEFF', r == '\u2060', r == '\u180E':
			return -1
		case r >= '\u200B' && r <= '\u200F':
			return -1
		case r >= '\u202A' && r <= '\u202E':
			return -1
		case r >= '\u2066' && r <= '\u2069':
			return -1
		}
		return r
	}, s)
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
