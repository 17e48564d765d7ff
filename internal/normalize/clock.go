package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reClock = regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?$`)

// FormatClock renders a timestamp value as HH:MM:SS. Clock strings pass
// through verbatim; full timestamps and unix epochs are converted into loc.
// Unparseable strings are kept as sent; non-string, non-numeric values yield "".
func FormatClock(v any, loc *time.Location) string {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" || reClock.MatchString(s) {
			return s
		}
		if t, err := ParseTimestamp(s, loc); err == nil {
			return t.In(loc).Format(clockLayout)
		}
		return s
	case float64:
		if val <= 0 || val != math.Trunc(val) {
			return ""
		}
		if t, err := parseUnix(strconv.FormatInt(int64(val), 10)); err == nil {
			return t.In(loc).Format(clockLayout)
		}
	case json.Number:
		if t, err := parseUnix(val.String()); err == nil {
			return t.In(loc).Format(clockLayout)
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	if loc == nil {
		loc = time.Local
	}
	// Layouts without an offset are read as wall time in loc.
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
