package routine

import (
	"strconv"
	"strings"
	"time"
)

// Params is the opaque per-device parameter bundle supplied at task start:
// thresholds, loop counts and delays. Values may be numbers, strings or
// durations depending on where the bundle was loaded from.
type Params map[string]any

// Merge returns a copy of p overlaid with over.
func (p Params) Merge(over Params) Params {
	out := make(Params, len(p)+len(over))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func (p Params) lookup(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		v, ok = p[key]
	}
	return v, ok && v != nil
}

// String returns the value for key or def.
func (p Params) String(key, def string) string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case string:
		if s := strings.TrimSpace(val); s != "" {
			return s
		}
		return def
	default:
		return def
	}
}

// Int returns the value for key or def.
func (p Params) Int(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return def
}

// Float returns the value for key or def.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return def
}

// Duration returns the value for key or def. Bare numbers are seconds.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case time.Duration:
		return val
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return def
}

// thresholdKey names the override for one template's threshold.
func thresholdKey(templateID string) string {
	return "threshold." + templateID
}
