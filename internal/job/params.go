package job

import "fmt"

// Params is an open key/value bag (job metadata, action parameters, execution
// results) restricted to a bounded set of value kinds: string, float64, bool,
// nested Params, and []any of the same kinds. Normalize enforces the bound at
// the edges so the rest of the engine can treat values as trusted.
type Params map[string]any

// Clone deep-copies the bag.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge overlays other on top of p, deep-merging nested maps. Values from
// other win on conflict. Neither input is mutated.
func (p Params) Merge(other Params) Params {
	if len(other) == 0 {
		return p.Clone()
	}
	out := p.Clone()
	if out == nil {
		out = make(Params, len(other))
	}
	for k, v := range other {
		if sub, ok := v.(Params); ok {
			if cur, ok := out[k].(Params); ok {
				out[k] = cur.Merge(sub)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Normalize coerces decoded JSON values into the bounded kinds and rejects
// anything else (e.g. channels or funcs smuggled in programmatically).
func (p Params) Normalize() (Params, error) {
	if p == nil {
		return nil, nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case Params:
		return x.Normalize()
	case map[string]any:
		return Params(x).Normalize()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %T", v)
	}
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Params:
		return x.Clone()
	case map[string]any:
		return Params(x).Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return x
	}
}
