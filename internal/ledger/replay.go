package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ValidationResult reports whether a ledger file's hash chain is intact.
type ValidationResult struct {
	Valid        bool
	EntriesRead  int
	FirstBroken  int // -1 if Valid
	BrokenReason string
}

// Validate replays a ledger.jsonl file and verifies, for every n>1,
// entry[n].prev_hash == entry[n-1].entry_hash, and that entry[n].entry_hash
// matches ComputeHash(prev_hash, entry) (Testable Property 3 / scenario S5:
// a single tampered byte must be detected and the index reported).
func Validate(path string) (ValidationResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	result := ValidationResult{Valid: true, FirstBroken: -1}
	prevHash := ZeroHash
	index := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		index++
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			result.Valid = false
			result.FirstBroken = index
			result.BrokenReason = fmt.Sprintf("malformed entry: %v", err)
			return result, nil
		}
		result.EntriesRead = index

		if e.PrevHash != prevHash {
			result.Valid = false
			result.FirstBroken = index
			result.BrokenReason = "prev_hash does not match previous entry's entry_hash"
			return result, nil
		}
		expected, err := ComputeHash(e.PrevHash, e)
		if err != nil {
			return ValidationResult{}, err
		}
		if expected != e.EntryHash {
			result.Valid = false
			result.FirstBroken = index
			result.BrokenReason = "entry_hash does not match recomputed hash (tampered content)"
			return result, nil
		}
		prevHash = e.EntryHash
	}
	if err := scanner.Err(); err != nil {
		return ValidationResult{}, fmt.Errorf("scan ledger: %w", err)
	}
	return result, nil
}

// Replay reads every valid (pre-break) entry from a ledger file, for tools
// that reproduce historical decisions bit-for-bit from stored features
// plus model version (§4.3 "Ledger and replay").
func Replay(path string) ([]Entry, ValidationResult, error) {
	result, err := Validate(path)
	if err != nil {
		return nil, ValidationResult{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, result, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	limit := result.EntriesRead
	if result.FirstBroken > 0 {
		limit = result.FirstBroken - 1
	}

	entries := make([]Entry, 0, limit)
	index := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		index++
		if index > limit {
			break
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, result, nil
}
