package bridge

import (
	"fmt"

	"github.com/dop251/goja"

	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// maxMarshalDepth bounds recursion through engine values so a cyclic or
// pathologically nested structure cannot stall the host.
const maxMarshalDepth = 32

// FromEngine narrows an exported engine value to the closed marshalling
// set: null, bool, 64-bit integer, float, UTF-8 string, byte buffer,
// ordered sequence, and string-keyed mapping. Anything else fails with
// UnsupportedValue; a failure never corrupts state because the traversal
// builds a fresh host-side copy.
func FromEngine(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return narrow(v.Export(), 0)
}

func narrow(v any, depth int) (any, error) {
	if depth > maxMarshalDepth {
		return nil, hosterrors.UnsupportedValue("value nesting exceeds marshal depth limit")
	}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64, string:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, hosterrors.UnsupportedValue("integer exceeds 64-bit signed range")
		}
		return int64(val), nil
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out, nil
	case goja.ArrayBuffer:
		src := val.Bytes()
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			narrowed, err := narrow(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = narrowed
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			narrowed, err := narrow(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = narrowed
		}
		return out, nil
	default:
		return nil, hosterrors.UnsupportedValue(fmt.Sprintf("unsupported engine value type %T", v))
	}
}

// ParamsFromEngine narrows a hostcall's params argument, which must be a
// string-keyed mapping (or absent).
func ParamsFromEngine(v goja.Value) (map[string]any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]any{}, nil
	}
	narrowed, err := narrow(v.Export(), 0)
	if err != nil {
		return nil, err
	}
	params, ok := narrowed.(map[string]any)
	if !ok {
		return nil, hosterrors.UnsupportedValue("hostcall params must be a mapping with string keys")
	}
	return params, nil
}
