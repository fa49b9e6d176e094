package pdftext

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/struktr-app/parser/internal/schema"
)

var (
	numberToken = regexp.MustCompile(`\(?-?[$€£¥]?\s?\d[\d.,]*\)?`)
	emailToken  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneToken  = regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`)
	timeToken   = regexp.MustCompile(`\b([01]?\d|2[0-3]):[0-5]\d(:[0-5]\d)?\b`)
	nonKey      = regexp.MustCompile(`[^a-z0-9]+`)
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2 2006",
}

// normalizeKey turns a printed label into a snake_case key.
func normalizeKey(label string) string {
	k := nonKey.ReplaceAllString(strings.ToLower(label), "_")
	return strings.Trim(k, "_")
}

// parseNumber reads the first amount in s, tolerating currency symbols, thousand
// separators, decimal commas and accounting negatives.
func parseNumber(s string) (float64, bool) {
	tok := numberToken.FindString(s)
	if tok == "" {
		return 0, false
	}
	// Reject identifiers and prose such as "Order 12 of 30".
	if countLetters(s) > 3 {
		return 0, false
	}

	neg := strings.HasPrefix(tok, "(") && strings.HasSuffix(tok, ")") || strings.Contains(tok, "-")
	var digits strings.Builder
	for _, r := range tok {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			digits.WriteRune(r)
		}
	}
	num := strings.Trim(digits.String(), ".,")
	if num == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(num, ",") == 1 && len(num)-lastComma-1 == 2 {
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case strings.Count(num, ".") > 1:
		num = strings.ReplaceAll(num, ".", "")
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			n++
		}
	}
	return n
}

func parseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	// Dates embedded in longer text.
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '\t' }) {
		for _, layout := range dateLayouts[:5] {
			if t, err := time.Parse(layout, f); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
	}
	return "", false
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "x", "[x]", "✓", "✔", "paid":
		return true, true
	case "no", "n", "false", "[ ]", "unpaid":
		return false, true
	}
	return false, false
}

// convert coerces raw text into the scalar type of f. The second return value is
// false when the text did not match the declared type or format.
func convert(f *schema.Field, raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	switch f.Kind {
	case schema.KindNumber:
		if v, ok := parseNumber(raw); ok {
			return v, true
		}
	case schema.KindInteger:
		if v, ok := parseNumber(raw); ok && v == float64(int64(v)) {
			return int64(v), true
		}
	case schema.KindBoolean:
		if v, ok := parseBool(raw); ok {
			return v, true
		}
	case schema.KindString:
		switch f.Format {
		case schema.FormatDate:
			if d, ok := parseDate(raw); ok {
				return d, true
			}
			return raw, false
		case schema.FormatDateTime:
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				return t.Format(time.RFC3339), true
			}
			if d, ok := parseDate(raw); ok {
				return d + "T00:00:00Z", true
			}
			return raw, false
		case schema.FormatTime:
			if m := timeToken.FindString(raw); m != "" {
				return m, true
			}
			return raw, false
		case schema.FormatEmail:
			if m := emailToken.FindString(raw); m != "" {
				return m, true
			}
			return raw, false
		case schema.FormatPhone:
			if m := phoneToken.FindString(raw); m != "" {
				return strings.TrimSpace(m), true
			}
			return raw, false
		}
		return raw, true
	}
	return nil, false
}

// typed converts free-form values: numbers and dates become typed, everything else
// stays text.
func typed(raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	if d, ok := parseDate(raw); ok {
		return d, true
	}
	if v, ok := parseNumber(raw); ok && numericOnly(raw) {
		return v, true
	}
	return raw, false
}

// numericOnly reports whether s is an amount possibly decorated with a currency.
func numericOnly(s string) bool {
	trimmed := strings.TrimSpace(s)
	for _, code := range []string{"USD", "EUR", "GBP", "CAD", "AUD", "JPY"} {
		trimmed = strings.TrimSpace(strings.TrimPrefix(strings.TrimSuffix(trimmed, code), code))
	}
	return numberToken.FindString(trimmed) == trimmed
}
