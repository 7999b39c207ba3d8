package ckg

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Text is a JSON scalar carried as a string. Numbers and booleans keep their
// literal form; null and "" are the same empty value.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*t = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case b[0] == '{' || b[0] == '[':
		return fmt.Errorf("expected scalar, got %s", b[:1])
	default:
		*t = Text(b)
	}
	return nil
}

func (t Text) MarshalJSON() ([]byte, error) {
	if t == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(t))
}

func (t Text) String() string {
	return string(t)
}

// Trimmed returns the value without surrounding whitespace.
func (t Text) Trimmed() string {
	return strings.TrimSpace(string(t))
}

// Nullable returns nil for an empty value and the trimmed string otherwise.
func (t Text) Nullable() any {
	if s := t.Trimmed(); s != "" {
		return s
	}
	return nil
}

// Float returns the value as a float64, or nil when empty or not numeric.
// A decimal comma is accepted.
func (t Text) Float() any {
	s := strings.ReplaceAll(t.Trimmed(), ",", ".")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return f
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02-01-2006",
	"02/01/2006",
}

// Date parses the value as a calendar date.
func (t Text) Date() (time.Time, bool) {
	s := t.Trimmed()
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// NullableDate returns the parsed date or nil.
func (t Text) NullableDate() any {
	if d, ok := t.Date(); ok {
		return d
	}
	return nil
}

// TextOf converts a value read from the database into Text.
func TextOf(v any) Text {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return Text(x)
	case []byte:
		return Text(x)
	case time.Time:
		if x.IsZero() {
			return ""
		}
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return Text(x.Format("2006-01-02"))
		}
		return Text(x.Format("2006-01-02 15:04:05"))
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil || dv == nil {
			return ""
		}
		return TextOf(dv)
	case fmt.Stringer:
		return Text(x.String())
	default:
		return Text(fmt.Sprint(x))
	}
}
