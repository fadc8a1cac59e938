package hostcall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShapeHashIgnoresValues(t *testing.T) {
	a := map[string]any{"cmd": "rm", "args": []any{"-rf", "/"}}
	b := map[string]any{"cmd": "ls", "args": []any{"-la", "."}}
	require.Equal(t, ShapeHash(a), ShapeHash(b), "same shape must hash identically regardless of values")
}

func TestShapeHashDistinguishesShapes(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]any
	}{
		{"extra key", map[string]any{"x": "a"}, map[string]any{"x": "a", "y": "b"}},
		{"array length", map[string]any{"x": []any{"a"}}, map[string]any{"x": []any{"a", "b"}}},
		{"type change", map[string]any{"x": "a"}, map[string]any{"x": float64(1)}},
		{"nested shape", map[string]any{"x": map[string]any{"y": "a"}}, map[string]any{"x": map[string]any{"z": "a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotEqual(t, ShapeHash(tc.a), ShapeHash(tc.b))
		})
	}
}

func TestShapeHashDeterministicAcrossRuns(t *testing.T) {
	params := map[string]any{"b": "x", "a": []any{float64(1), true, nil}, "c": map[string]any{"d": "y"}}
	first := ShapeHash(params)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, ShapeHash(params))
	}
}

func TestParamsHashRedactsSecrets(t *testing.T) {
	secret := "super-secret-token-value"
	params := map[string]any{
		"url":       "https://example.com",
		"api_token": secret,
		"nested":    map[string]any{"password": "hunter2"},
	}
	hash := ParamsHash(params, nil)
	require.Len(t, hash, 64)
	require.NotContains(t, hash, secret)

	// A hash over the redacted form must not change when only the secret
	// value changes.
	params2 := map[string]any{
		"url":       "https://example.com",
		"api_token": "different-secret",
		"nested":    map[string]any{"password": "other"},
	}
	require.Equal(t, hash, ParamsHash(params2, nil))
}

func TestParamsHashSensitiveToNonSecretValues(t *testing.T) {
	a := map[string]any{"url": "https://example.com/a"}
	b := map[string]any{"url": "https://example.com/b"}
	require.NotEqual(t, ParamsHash(a, nil), ParamsHash(b, nil))
}

func TestRedactorSummaryCountsFields(t *testing.T) {
	r := DefaultRedactor()
	params := map[string]any{
		"password": "x",
		"inner":    map[string]any{"api_key": "y"},
		"plain":    "z",
	}
	summary := r.Summary(params)
	require.True(t, strings.HasPrefix(summary, "2 field"))
	require.Empty(t, r.Summary(map[string]any{"plain": "z"}))
}
