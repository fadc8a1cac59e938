package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/pi-cli/exthost/internal/obs/config"
	"github.com/pi-cli/exthost/internal/policy"
)

// runExplainExtensionPolicy prints the current profile, the override map,
// and the full effective decision table, naming the rule that fires for
// every known capability/method pair.
func runExplainExtensionPolicy(args []string) error {
	fs := flag.NewFlagSet("explain-extension-policy", flag.ExitOnError)
	policyPath := fs.String("policy", "", "path to policy.yaml (built-in defaults when empty)")
	extensionID := fs.String("extension", "", "extension ID to resolve overrides for")
	asJSON := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	policyCfg, err := policy.Load(*policyPath)
	if err != nil {
		return err
	}
	policyCfg.AllowDangerous = policyCfg.AllowDangerous || cfg.AllowDangerous

	profile := policy.Profile(cfg.PolicyProfile)
	resolver := policy.NewResolver(policyCfg, profile)
	table := resolver.Explain(*extensionID)

	if *asJSON {
		out := map[string]any{
			"profile":         string(table.Profile),
			"allow_dangerous": policyCfg.AllowDangerous,
			"overrides":       policyCfg.Overrides,
			"decisions":       table.Decisions,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("profile:          %s\n", table.Profile)
	fmt.Printf("allow_dangerous:  %t\n", policyCfg.AllowDangerous)
	if len(policyCfg.Overrides) == 0 {
		fmt.Println("overrides:        (none)")
	} else {
		fmt.Println("overrides:")
		for ext, override := range policyCfg.Overrides {
			for capName, eff := range override.PerCapability {
				fmt.Printf("  %s  %s -> %s\n", ext, capName, eff)
			}
			for method, eff := range override.PerMethod {
				fmt.Printf("  %s  %s -> %s\n", ext, method, eff)
			}
		}
	}
	fmt.Println()
	fmt.Printf("%-10s %-28s %-8s %s\n", "CAPABILITY", "METHOD", "EFFECT", "RULE")
	for _, row := range table.Decisions {
		fmt.Printf("%-10s %-28s %-8s %s\n", row.Capability, row.Method, row.Effect, row.Rule)
	}
	return nil
}

// repairModes describes the four repair modes surfaced by
// explain-repair-policy.
var repairModes = []struct {
	Mode        string `json:"mode"`
	Description string `json:"description"`
}{
	{"off", "never modify extension state; report problems only"},
	{"suggest", "propose repairs (re-resolve, re-digest, quarantine lift) for the user to apply"},
	{"auto-safe", "apply repairs that cannot lose data: re-resolve sources, rebuild digests, drop stale subscriptions"},
	{"auto-strict", "apply every known repair including destructive ones: reset quota counters, truncate a broken ledger tail at the first invalid entry"},
}

// runExplainRepairPolicy prints the configured repair mode and what every
// mode means.
func runExplainRepairPolicy(args []string) error {
	fs := flag.NewFlagSet("explain-repair-policy", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mode := config.GetEnv("EXTENSION_REPAIR_MODE", "suggest")

	if *asJSON {
		out := map[string]any{
			"mode":  mode,
			"modes": repairModes,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("repair mode: %s\n\n", mode)
	for _, m := range repairModes {
		marker := "  "
		if m.Mode == mode {
			marker = "* "
		}
		fmt.Printf("%s%-12s %s\n", marker, m.Mode, m.Description)
	}
	return nil
}
