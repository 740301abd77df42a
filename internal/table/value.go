package table

import (
	"fmt"
	"strconv"
	"time"
)

// Normalize converts a driver or decoder value to the canonical Go type for t.
func Normalize(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		switch val := v.(type) {
		case string:
			return val, nil
		case []byte:
			return string(val), nil
		default:
			return FormatValue(val), nil
		}
	case TypeBigint:
		switch val := v.(type) {
		case int64:
			return val, nil
		case int:
			return int64(val), nil
		case int32:
			return int64(val), nil
		case int16:
			return int64(val), nil
		case float64:
			return int64(val), nil
		case string:
			return strconv.ParseInt(val, 10, 64)
		}
	case TypeDouble:
		switch val := v.(type) {
		case float64:
			return val, nil
		case float32:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case int32:
			return float64(val), nil
		case int:
			return float64(val), nil
		case string:
			return strconv.ParseFloat(val, 64)
		}
	case TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			return strconv.ParseBool(val)
		}
	case TypeTimestamp:
		switch val := v.(type) {
		case time.Time:
			return val.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return nil, err
			}
			return ts.UTC(), nil
		}
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

// NormalizeRow converts every column of r named in schema, dropping extras.
func NormalizeRow(r map[string]any, schema Schema) (Row, error) {
	out := make(Row, len(schema))
	for _, c := range schema {
		v, err := Normalize(r[c.Name], c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[c.Name] = v
	}
	return out, nil
}
