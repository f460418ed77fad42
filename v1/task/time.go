package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Layouts tried after RFC3339 for timestamps without a zone offset, as
// written by Python's datetime.isoformat. They are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses an RFC3339 timestamp, falling back to zone-less ISO 8601
// forms interpreted as UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("task: invalid timestamp %q", s)
}

// lenientTime decodes with ParseTime. null and "" decode to the zero time.
type lenientTime time.Time

func (t *lenientTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("task: timestamp must be a string: %w", err)
	}
	if s == "" {
		*t = lenientTime{}
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = lenientTime(parsed)
	return nil
}
