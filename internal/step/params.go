package step

import (
	"fmt"
	"sort"
	"strconv"
)

// Parameters is the key/value set bound to one step within one calibration
// interval. Values arrive from JSON so numbers may be float64, int or string.
type Parameters map[string]any

// Merge returns defaults overlaid with stored values.
func Merge(defaults, stored map[string]any) Parameters {
	out := make(Parameters, len(defaults)+len(stored))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range stored {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names sorted.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float returns a numeric parameter or def when absent.
func (p Parameters) Float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parameter %s: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("parameter %s has unsupported type %T", key, raw)
}

// Int returns an integer parameter or def when absent.
func (p Parameters) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("parameter %s must be an integer, got %v", key, f)
	}
	return int(f), nil
}

// String returns a string parameter or def when absent.
func (p Parameters) String(key, def string) string {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}
