package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// jsonField adapts a Go value to a JSON TEXT column in both directions.
// v must be a pointer when scanning.
type jsonField struct {
	v any
}

func jsonColumn(v any) *jsonField {
	return &jsonField{v: v}
}

func (f *jsonField) Value() (driver.Value, error) {
	data, err := json.Marshal(f.v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func (f *jsonField) Scan(src any) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(s)
	case []byte:
		data = s
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, f.v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

// timeLayout is fixed width so that text comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeField stores times as RFC3339 text.
type timeField struct {
	t *time.Time
}

func timeColumn(t *time.Time) *timeField {
	return &timeField{t: t}
}

func (f *timeField) Value() (driver.Value, error) {
	return f.t.UTC().Format(timeLayout), nil
}

func (f *timeField) Scan(src any) error {
	t, ok, err := parseTime(src)
	if err != nil || !ok {
		return err
	}
	*f.t = t
	return nil
}

// nullTimeField stores an optional time; nil is SQL NULL.
type nullTimeField struct {
	t **time.Time
}

func nullTimeColumn(t **time.Time) *nullTimeField {
	return &nullTimeField{t: t}
}

func (f *nullTimeField) Value() (driver.Value, error) {
	if *f.t == nil {
		return nil, nil
	}
	return (*f.t).UTC().Format(timeLayout), nil
}

func (f *nullTimeField) Scan(src any) error {
	t, ok, err := parseTime(src)
	if err != nil {
		return err
	}
	if !ok {
		*f.t = nil
		return nil
	}
	*f.t = &t
	return nil
}

func parseTime(src any) (time.Time, bool, error) {
	var s string
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v, true, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return time.Time{}, false, fmt.Errorf("unsupported time column type %T", src)
	}
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, true, nil
}
