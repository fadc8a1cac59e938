package risk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModelSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveModel(dir, DefaultCoefficients(), ModelVersion, 0.05)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "risk_model.v1.json"), path)

	scorer, alpha, err := LoadModel(path)
	require.NoError(t, err)
	require.Equal(t, ModelVersion, scorer.Version())
	require.Equal(t, 0.05, alpha)

	// A loaded model scores identically to the in-process one.
	v := Vector{BaseScore: 0.4, RecentErrorRate: 0.5, DangerousCapability: 1}
	original := NewScorer(DefaultCoefficients(), ModelVersion)
	require.Equal(t, original.Score(v), scorer.Score(v))
}
