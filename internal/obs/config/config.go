// Package config provides environment-driven configuration loading for the
// extension host, in the same style as the ambient infrastructure config
// helpers used throughout this codebase.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// GetEnv retrieves an environment variable, falling back to defaultValue.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable.
// Accepts "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvFloat retrieves a float environment variable.
func GetEnvFloat(key string, defaultValue float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// PolicyProfile is one of safe/balanced/permissive, read from EXTENSION_POLICY_PROFILE.
type PolicyProfile string

const (
	ProfileSafe       PolicyProfile = "safe"
	ProfileBalanced   PolicyProfile = "balanced"
	ProfilePermissive PolicyProfile = "permissive"
)

// Config is the core's env-sourced configuration, covering every variable
// named in the external interfaces section plus ambient logging/metrics.
type Config struct {
	PolicyProfile  string `env:"EXTENSION_POLICY_PROFILE,default=balanced"`
	AllowDangerous bool   `env:"EXTENSION_ALLOW_DANGEROUS,default=false"`

	RiskEnforce         bool    `env:"EXTENSION_RISK_ENFORCE,default=true"`
	RiskAlpha           float64 `env:"EXTENSION_RISK_ALPHA,default=0.05"`
	RiskWindow          int     `env:"EXTENSION_RISK_WINDOW,default=64"`
	RiskLedgerLimit     int     `env:"EXTENSION_RISK_LEDGER_LIMIT,default=100000"`
	RiskDecisionTimeoutMS int   `env:"EXTENSION_RISK_DECISION_TIMEOUT_MS,default=25"`
	RiskFailClosed      bool    `env:"EXTENSION_RISK_FAIL_CLOSED,default=true"`

	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogFormat      string `env:"LOG_FORMAT,default=json"`
	MetricsEnabled bool   `env:"METRICS_ENABLED,default=false"`
}

// Load reads a .env file if present (never an error if absent) and decodes
// the typed Config struct via envdecode, following the teacher's pattern of
// using declared-but-idle dependencies for real.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode errors on a struct with no tags set in env; fall back to
		// defaults applied manually since every field already carries one.
		cfg = Config{
			PolicyProfile:         GetEnv("EXTENSION_POLICY_PROFILE", "balanced"),
			AllowDangerous:        GetEnvBool("EXTENSION_ALLOW_DANGEROUS", false),
			RiskEnforce:           GetEnvBool("EXTENSION_RISK_ENFORCE", true),
			RiskAlpha:             GetEnvFloat("EXTENSION_RISK_ALPHA", 0.05),
			RiskWindow:            GetEnvInt("EXTENSION_RISK_WINDOW", 64),
			RiskLedgerLimit:       GetEnvInt("EXTENSION_RISK_LEDGER_LIMIT", 100000),
			RiskDecisionTimeoutMS: GetEnvInt("EXTENSION_RISK_DECISION_TIMEOUT_MS", 25),
			RiskFailClosed:        GetEnvBool("EXTENSION_RISK_FAIL_CLOSED", true),
			LogLevel:              GetEnv("LOG_LEVEL", "info"),
			LogFormat:             GetEnv("LOG_FORMAT", "json"),
			MetricsEnabled:        GetEnvBool("METRICS_ENABLED", false),
		}
	}
	return &cfg, nil
}
