// Package extension models the identity of a loaded extension and the
// registrations it owns, adapted from the sandbox package's service
// identity model (system/sandbox/sandbox.go's ServiceIdentity) to the
// lockfile-keyed identity described in the external interfaces.
package extension

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// SourceKind identifies where an extension's code was resolved from.
type SourceKind string

const (
	SourceNPM   SourceKind = "npm"
	SourceGit   SourceKind = "git"
	SourceLocal SourceKind = "local"
)

// TrustState reflects whether an extension's lockfile entry has been
// accepted for loading.
type TrustState string

const (
	TrustTrusted  TrustState = "trusted"
	TrustRejected TrustState = "rejected"
)

// Resolved is a tagged union of npm/git/local provenance, consumed from the
// lockfile entry and otherwise opaque to the host.
type Resolved struct {
	NPMVersion   string `json:"npm_version,omitempty"`
	NPMRegistry  string `json:"npm_registry,omitempty"`
	GitURL       string `json:"git_url,omitempty"`
	GitRef       string `json:"git_ref,omitempty"`
	GitCommit    string `json:"git_commit,omitempty"`
	LocalAbsPath string `json:"local_abs_path,omitempty"`
}

// Identity is an extension's lockfile-keyed identity: source kind, source
// spec, and content digest. Two identities are equal iff every field
// matches; reloading always produces a fresh Identity (§3 Extension).
type Identity struct {
	ID          string     `json:"identity"`
	SourceKind  SourceKind `json:"source_kind"`
	Source      string     `json:"source"`
	DigestSHA256 string    `json:"digest_sha256"`
	Resolved    Resolved   `json:"resolved"`
	TrustState  TrustState `json:"trust_state"`
}

// File is one entry in the sorted file set hashed to produce a digest.
type File struct {
	RelPath string
	Content []byte
}

// Digest computes the lockfile digest over the sorted file set using the
// stream rule from §6: `"file\0" + relpath + "\0" + content_without_CR + "\0"`,
// `.git/` excluded, hex-lowercase 64-character output.
//
// Grounded on sandbox.GenerateServiceID's sha256+hex identity hashing,
// generalized here from a single string to a streamed multi-file digest.
func Digest(files []File) string {
	sorted := make([]File, 0, len(files))
	for _, f := range files {
		if strings.HasPrefix(f.RelPath, ".git/") || strings.Contains(f.RelPath, "/.git/") {
			continue
		}
		sorted = append(sorted, f)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte("file\x00"))
		h.Write([]byte(f.RelPath))
		h.Write([]byte{0})
		h.Write(stripCR(f.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stripCR(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == '\r' {
			continue
		}
		out = append(out, c)
	}
	return out
}

// NewIdentity builds an Identity from a source declaration and precomputed
// digest, deriving a stable ID the same way the sandbox derives ServiceIDs
// from a package/service pair.
func NewIdentity(kind SourceKind, source, digest string, resolved Resolved) Identity {
	id := fmt.Sprintf("%s:%s:%s", kind, source, digest[:16])
	return Identity{
		ID:           id,
		SourceKind:   kind,
		Source:       source,
		DigestSHA256: digest,
		Resolved:     resolved,
		TrustState:   TrustTrusted,
	}
}
