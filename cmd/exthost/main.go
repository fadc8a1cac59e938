// Command exthost exposes the extension host's operational surface: the
// policy explainers and the ledger replay/validation tool. Each subcommand
// owns its flag set and supports --json for machine-readable output.
package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "explain-extension-policy":
		if err := runExplainExtensionPolicy(os.Args[2:]); err != nil {
			log.Fatalf("explain-extension-policy: %v", err)
		}
	case "explain-repair-policy":
		if err := runExplainRepairPolicy(os.Args[2:]); err != nil {
			log.Fatalf("explain-repair-policy: %v", err)
		}
	case "ledger":
		if len(os.Args) < 3 || os.Args[2] != "replay" {
			usage()
			os.Exit(2)
		}
		if err := runLedgerReplay(os.Args[3:]); err != nil {
			log.Fatalf("ledger replay: %v", err)
		}
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: exthost <command> [flags]

commands:
  explain-extension-policy   print the active profile, overrides, and the
                             effective per-capability decision table
  explain-repair-policy      print the repair mode and what each mode means
  ledger replay              validate a ledger's hash chain and replay its
                             recorded risk decisions

run "exthost <command> -h" for command flags`)
}
