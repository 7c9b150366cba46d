package kstage

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Params are the "with" settings of a stage.
type Params map[string]any

// Int returns the integer under key or def.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("param %q: %v is not an integer", key, v)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("param %q: unexpected type %T", key, v)
	}
}

// String returns the string under key or def.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q: unexpected type %T", key, v)
	}
	return s, nil
}

// Bool returns the bool under key or def.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("param %q: unexpected type %T", key, v)
	}
}

// Decode fills out from the params using yaml field tags.
func (p Params) Decode(out any) error {
	b, err := yaml.Marshal(map[string]any(p))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}
