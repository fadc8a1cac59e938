package hostcall

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ShapeHash computes args_shape_hash: a hash over the parameter *shape*
// (keys, types, array lengths), never over values. Grounded on
// sandbox.GenerateServiceID's sha256+hex identity hashing, generalized
// here to a recursive shape fingerprint (see DESIGN.md: no example repo
// exposes a shape-fingerprint primitive, so this traversal is justified
// stdlib code over the already-unmarshalled params map).
func ShapeHash(params map[string]any) string {
	var b strings.Builder
	writeShape(&b, params)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeShape(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(":")
			writeShape(b, val[k])
			b.WriteString(",")
		}
		b.WriteString("}")
	case []any:
		fmt.Fprintf(b, "[%d:", len(val))
		for _, item := range val {
			writeShape(b, item)
			b.WriteString(",")
		}
		b.WriteString("]")
	case string:
		b.WriteString("s")
	case bool:
		b.WriteString("b")
	case float64:
		b.WriteString("n")
	case int, int64:
		b.WriteString("i")
	default:
		fmt.Fprintf(b, "?%T", val)
	}
}

// Redactor redacts declared-sensitive fields before canonicalization; the
// blocked field names are the fixed list in DefaultRedactor. Field names
// are matched case-insensitively, substring match,
// mirroring infrastructure/redaction.Redactor.isSecretField.
type Redactor struct {
	blocked []string
}

// DefaultRedactor blocks the same field-name substrings as
// infrastructure/redaction.DefaultConfig.
func DefaultRedactor() *Redactor {
	return &Redactor{blocked: []string{"password", "secret", "token", "apikey", "api_key", "private_key", "credential"}}
}

func (r *Redactor) isSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, b := range r.blocked {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of params with sensitive leaf fields replaced
// by a placeholder, ready for canonicalization into params_hash.
func (r *Redactor) Redact(params map[string]any) map[string]any {
	return r.redactMap(params)
}

func (r *Redactor) redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.isSecretField(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.redactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return val
	}
}

// Summary reports how many leaf fields Redact would replace, as a short
// human-readable string for the telemetry record's redaction_summary.
func (r *Redactor) Summary(params map[string]any) string {
	n := r.countMap(params)
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d field(s) redacted", n)
}

func (r *Redactor) countMap(m map[string]any) int {
	n := 0
	for k, v := range m {
		if r.isSecretField(k) {
			n++
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			n += r.countMap(val)
		case []any:
			for _, item := range val {
				if inner, ok := item.(map[string]any); ok {
					n += r.countMap(inner)
				}
			}
		}
	}
	return n
}

// ParamsHash computes params_hash: a hash over canonical-JSON of values
// with declared redactions applied. Canonical JSON here means: object keys
// sorted, no insignificant whitespace — built directly over
// map[string]any/[]any via a recursive writer (stdlib encoding/json alone
// does not sort map keys in Go < 1.12 semantics consistently across types,
// so the writer below sorts explicitly; see DESIGN.md for why no pack
// library offers a canonical-JSON primitive).
func ParamsHash(params map[string]any, redactor *Redactor) string {
	if redactor == nil {
		redactor = DefaultRedactor()
	}
	redacted := redactor.Redact(params)
	var b strings.Builder
	writeCanonical(&b, redacted)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		fmt.Fprintf(b, "%q", val)
	case bool:
		fmt.Fprintf(b, "%t", val)
	case float64:
		fmt.Fprintf(b, "%v", val)
	case int:
		fmt.Fprintf(b, "%d", val)
	case int64:
		fmt.Fprintf(b, "%d", val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, val[k])
		}
		b.WriteString("}")
	case []any:
		b.WriteString("[")
		for i, item := range val {
			if i > 0 {
				b.WriteString(",")
			}
			writeCanonical(b, item)
		}
		b.WriteString("]")
	default:
		fmt.Fprintf(b, "%q", fmt.Sprint(val))
	}
}
