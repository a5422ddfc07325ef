package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the storage type of a column.
type ColumnType int

const (
	TypeString ColumnType = iota + 1
	TypeClob
	TypeLong
	TypeDouble
	TypeBoolean
	TypeTimestamp
	// TypeBinary holds a digest referencing the external binary store.
	TypeBinary
)

var columnTypeNames = map[ColumnType]string{
	TypeString:    "string",
	TypeClob:      "clob",
	TypeLong:      "long",
	TypeDouble:    "double",
	TypeBoolean:   "boolean",
	TypeTimestamp: "timestamp",
	TypeBinary:    "binary",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// ParseColumnType parses a type name as used in schema definitions.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "":
		return TypeString, nil
	case "clob", "text":
		return TypeClob, nil
	case "long", "integer", "int":
		return TypeLong, nil
	case "double", "float":
		return TypeDouble, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "timestamp", "date":
		return TypeTimestamp, nil
	case "binary", "blob":
		return TypeBinary, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

// Column describes one physical column of a fragment.
type Column struct {
	// Key is the logical key used in Row.Values.
	Key string
	// Name is the physical column name.
	Name string
	Type ColumnType
}

// Encode converts a row value into a driver argument.
func (c Column) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case TypeString, TypeClob, TypeBinary:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case TypeLong:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case TypeDouble:
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		case int:
			return float64(f), nil
		case int64:
			return float64(f), nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeTimestamp:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC(), nil
		}
	}
	return nil, fmt.Errorf("column %s (%s): cannot encode %T", c.Name, c.Type, v)
}

// Decode normalizes a scanned driver value to the row value type:
// string, int64, float64, bool or time.Time.
func (c Column) Decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch c.Type {
	case TypeString, TypeClob, TypeBinary:
		switch s := v.(type) {
		case string:
			return s, nil
		}
	case TypeLong:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		case int:
			return int64(n), nil
		case float64:
			return int64(n), nil
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case TypeDouble:
		switch f := v.(type) {
		case float64:
			return f, nil
		case int64:
			return float64(f), nil
		case string:
			return strconv.ParseFloat(f, 64)
		}
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case string:
			return b == "1" || strings.EqualFold(b, "true") || b == "t", nil
		}
	case TypeTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			return parseTimestamp(ts)
		}
	}
	return nil, fmt.Errorf("column %s (%s): cannot decode %T", c.Name, c.Type, v)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}
