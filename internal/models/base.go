package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("cannot scan %T into Variables", value)
	}
}

// Millis is a point in time that devices report as epoch milliseconds.
// It also accepts RFC 3339 strings and numeric strings, which is what
// form-encoded clients send.
type Millis time.Time

// MarshalJSON encodes as epoch milliseconds.
func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Time(m).UnixMilli(), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Millis) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" {
		raw = ""
	}

	v, err := ParseMillis(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// millisLayouts are the textual formats device clients are seen to send.
var millisLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseMillis parses epoch milliseconds or one of millisLayouts. A blank
// value is the zero Millis.
func ParseMillis(raw string) (Millis, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Millis{}, nil
	}

	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Millis(time.UnixMilli(ms)), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Millis(time.UnixMilli(int64(f))), nil
	}

	for _, layout := range millisLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return Millis(t), nil
		}
	}
	return Millis{}, fmt.Errorf("invalid timestamp %q", raw)
}

// Time returns the underlying time.
func (m Millis) Time() time.Time {
	return time.Time(m)
}

// IsZero reports whether no timestamp was supplied.
func (m Millis) IsZero() bool {
	return time.Time(m).IsZero()
}
