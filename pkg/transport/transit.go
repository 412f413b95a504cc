package transport

import (
	"fmt"
	"io"

	"github.com/russolsen/transit"
)

// decodeTransit reads one Transit value and normalises it for the core:
// keywords become "ns/name" strings, maps become map[string]any.
func decodeTransit(r io.Reader) (any, error) {
	value, err := transit.NewDecoder(r).Decode()
	if err != nil {
		return nil, err
	}
	return fromTransit(value), nil
}

// encodeTransit writes one value as Transit JSON, keywordising map keys so
// Clojure-side clients read idiomatic maps.
func encodeTransit(w io.Writer, value any) error {
	return transit.NewEncoder(w, false).Encode(toTransit(value))
}

func fromTransit(v any) any {
	switch t := v.(type) {
	case transit.Keyword:
		return string(t)
	case transit.Symbol:
		return string(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[keyString(k)] = fromTransit(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = fromTransit(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fromTransit(val)
		}
		return out
	default:
		return v
	}
}

func keyString(k any) string {
	switch t := k.(type) {
	case transit.Keyword:
		return string(t)
	case transit.Symbol:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", k)
	}
}

func toTransit(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[any]any, len(t))
		for k, val := range t {
			m[transit.Keyword(k)] = toTransit(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toTransit(val)
		}
		return out
	default:
		return v
	}
}
