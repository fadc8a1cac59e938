package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ModelFile is the persisted form of a versioned risk model
// (risk_model.vN.json): coefficients, thresholds, and the α they derive
// from. A replay consumer loads this to reproduce historical decisions.
type ModelFile struct {
	Version   string     `json:"version"`
	Weights   [9]float64 `json:"weights"`
	Bias      float64    `json:"bias"`
	Alpha     float64    `json:"alpha"`
	TauPrompt float64    `json:"tau_prompt"`
	TauDeny   float64    `json:"tau_deny"`
}

// SaveModel writes the model file atomically via tmp+rename, named by its
// version (risk_model.v1.json for risk-model.v1).
func SaveModel(dir string, coef Coefficients, version string, alpha float64) (string, error) {
	tauPrompt, tauDeny := Thresholds(alpha)
	mf := ModelFile{
		Version:   version,
		Weights:   coef.Weights,
		Bias:      coef.Bias,
		Alpha:     alpha,
		TauPrompt: tauPrompt,
		TauDeny:   tauDeny,
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal risk model: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	path := filepath.Join(dir, modelFileName(version))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write risk model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename risk model: %w", err)
	}
	return path, nil
}

// LoadModel reads a persisted model file and returns a Scorer built from
// it, plus the stored α.
func LoadModel(path string) (*Scorer, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read risk model: %w", err)
	}
	var mf ModelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, 0, fmt.Errorf("parse risk model: %w", err)
	}
	return NewScorer(Coefficients{Weights: mf.Weights, Bias: mf.Bias}, mf.Version), mf.Alpha, nil
}

// modelFileName maps "risk-model.v1" to "risk_model.v1.json".
func modelFileName(version string) string {
	suffix := "v1"
	for i := len(version) - 1; i >= 0; i-- {
		if version[i] == 'v' {
			suffix = version[i:]
			break
		}
	}
	return "risk_model." + suffix + ".json"
}
