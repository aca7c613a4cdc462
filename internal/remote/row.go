package remote

import (
	"time"
)

// Rows decoded from JSON carry numbers as float64; rows built locally carry
// native Go types. These accessors accept both so callers never type-switch.

func (r Row) Int(key string) (int, error) {
	v, ok := r[key]
	if !ok {
		return 0, &ValidationError{Field: key, Msg: "missing"}
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, &ValidationError{Field: key, Msg: "not a number"}
	}
}

func (r Row) Bool(key string) (bool, error) {
	b, ok := r[key].(bool)
	if !ok {
		return false, &ValidationError{Field: key, Msg: "not a bool"}
	}
	return b, nil
}

func (r Row) String(key string) (string, error) {
	s, ok := r[key].(string)
	if !ok {
		return "", &ValidationError{Field: key, Msg: "not a string"}
	}
	return s, nil
}

// Time parses key as RFC 3339 or passes through a native time.Time.
func (r Row) Time(key string) (time.Time, error) {
	switch v := r[key].(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, &ValidationError{Field: key, Msg: "bad timestamp"}
		}
		return t, nil
	default:
		return time.Time{}, &ValidationError{Field: key, Msg: "not a timestamp"}
	}
}
