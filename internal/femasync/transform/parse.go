package transform

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// nullTokens are string values that mean "no value" upstream.
var nullTokens = map[string]bool{
	"":     true,
	"NaT":  true,
	"nan":  true,
	"NaN":  true,
	"None": true,
	"null": true,
	"NULL": true,
}

// dateLayouts are tried in order. OpenFEMA emits the first; the rest cover
// older extracts and hand-edited fixtures.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
}

// foldKey lowercases and drops underscores so disasterNumber,
// DisasterNumber and disaster_number collide.
func foldKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
}

// sanitizeUTF8 drops invalid byte sequences so Postgres doesn't reject the row.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "")
}

// stringOf renders a scalar JSON value as text. ok is false for nil.
func stringOf(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// parseString trims, sanitizes and NFC-normalizes v, maps null tokens to
// nil and truncates to maxLen characters.
func parseString(v any, maxLen int) any {
	s, ok := stringOf(v)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(sanitizeUTF8(s))
	if nullTokens[s] {
		return nil
	}
	s = norm.NFC.String(s)
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}

// parseDate returns a UTC time.Time, or nil when v is absent or unparsable.
func parseDate(v any) any {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return t.UTC()
	case string:
		s := strings.TrimSpace(t)
		if nullTokens[s] {
			return nil
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
	}
	return nil
}

// parseFloat64Or parses amounts like "1,234.50" or "$99". def is returned
// for anything else, including NaN and ±Inf.
func parseFloat64Or(v any, def float64) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return def
		}
		f = parsed
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(t))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

// parseInt64 accepts integral numbers and numeric strings ("4339", "4339.0").
func parseInt64(v any) (int64, bool) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	if s, ok := v.(string); ok {
		if i, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64); err == nil {
			return i, true
		}
	}
	f := parseFloat64Or(v, math.NaN())
	if math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64/2 {
		return 0, false
	}
	return int64(f), true
}

// parseBool recognizes JSON booleans and Y/N, yes/no, true/false in any case.
func parseBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "y", "yes", "true":
			return true
		}
	}
	return false
}
