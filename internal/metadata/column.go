package metadata

import (
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"crudforge/internal/apperr"
)

// Column types understood by the store and the query forge.
const (
	TypeString    = "string"
	TypeText      = "text"
	TypeInt       = "int"
	TypeBigInt    = "bigint"
	TypeFloat     = "float"
	TypeDecimal   = "decimal"
	TypeBoolean   = "boolean"
	TypeUUID      = "uuid"
	TypeTimestamp = "timestamp"
	TypeDate      = "date"
	TypeJSON      = "json"
	TypeArray     = "array"
)

var knownTypes = map[string]bool{
	TypeString: true, TypeText: true, TypeInt: true, TypeBigInt: true,
	TypeFloat: true, TypeDecimal: true, TypeBoolean: true, TypeUUID: true,
	TypeTimestamp: true, TypeDate: true, TypeJSON: true, TypeArray: true,
}

type Column struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type" json:"type"`
	Nullable   bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	PrimaryKey bool   `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Generated  bool   `yaml:"generated,omitempty" json:"generated,omitempty"` // pk assigned by the database or the repository
	Unique     bool   `yaml:"unique,omitempty" json:"unique,omitempty"`
	Default    any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// SupportsPattern reports whether LIKE matching applies to the column.
func (c Column) SupportsPattern() bool {
	return c.Type == TypeString || c.Type == TypeText
}

func (c Column) IsJSON() bool  { return c.Type == TypeJSON }
func (c Column) IsArray() bool { return c.Type == TypeArray }

// IsStructured is true for columns holding JSON documents or arrays.
func (c Column) IsStructured() bool { return c.IsJSON() || c.IsArray() }

func (c Column) IsNumeric() bool {
	switch c.Type {
	case TypeInt, TypeBigInt, TypeFloat, TypeDecimal:
		return true
	}
	return false
}

func (c Column) IsTemporal() bool {
	return c.Type == TypeTimestamp || c.Type == TypeDate
}

// Coerce converts a decoded JSON value into the Go representation for the
// column type. nil passes through unchanged.
func (c Column) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case TypeInt, TypeBigInt:
		return coerceInt(c.Name, v)
	case TypeFloat, TypeDecimal:
		return coerceFloat(c.Name, v)
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, apperr.Validation("%s: invalid boolean %q", c.Name, b)
			}
			return parsed, nil
		}
		return nil, apperr.Validation("%s: expected boolean, got %T", c.Name, v)
	case TypeUUID:
		s, ok := v.(string)
		if !ok {
			if u, ok := v.(uuid.UUID); ok {
				return u.String(), nil
			}
			return nil, apperr.Validation("%s: expected uuid string, got %T", c.Name, v)
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, apperr.Validation("%s: invalid uuid %q", c.Name, s)
		}
		return u.String(), nil
	case TypeTimestamp:
		return coerceTime(c.Name, v, true)
	case TypeDate:
		return coerceTime(c.Name, v, false)
	case TypeArray:
		switch a := v.(type) {
		case []string:
			return a, nil
		case []any:
			out := make([]string, len(a))
			for i, item := range a {
				out[i] = fmt.Sprint(item)
			}
			return out, nil
		}
		return nil, apperr.Validation("%s: expected array, got %T", c.Name, v)
	case TypeJSON:
		if raw, ok := v.(json.RawMessage); ok {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, apperr.Validation("%s: invalid json", c.Name)
			}
			return decoded, nil
		}
		return v, nil
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return nil, apperr.Validation("%s: expected string, got %T", c.Name, v)
	}
}

func coerceInt(name string, v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return nil, apperr.Validation("%s: expected integer, got %v", name, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, apperr.Validation("%s: expected integer, got %s", name, n)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, apperr.Validation("%s: expected integer, got %q", name, n)
		}
		return i, nil
	}
	return nil, apperr.Validation("%s: expected integer, got %T", name, v)
}

func coerceFloat(name string, v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, apperr.Validation("%s: expected number, got %s", name, n)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, apperr.Validation("%s: expected number, got %q", name, n)
		}
		return f, nil
	}
	return nil, apperr.Validation("%s: expected number, got %T", name, v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 and the common naive layouts. Naive values are
// interpreted as UTC.
func ParseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func coerceTime(name string, v any, withClock bool) (any, error) {
	var t time.Time
	switch tv := v.(type) {
	case time.Time:
		t = tv
	case string:
		parsed, err := ParseTime(tv)
		if err != nil {
			return nil, apperr.Validation("%s: invalid time %q", name, tv)
		}
		t = parsed
	default:
		return nil, apperr.Validation("%s: expected time string, got %T", name, v)
	}
	if !withClock {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return t.UTC(), nil
}
