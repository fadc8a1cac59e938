package extension

import (
	"testing"

	"github.com/stretchr/testify/require"

	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

func TestDigestIsStableUnderFileOrder(t *testing.T) {
	a := []File{
		{RelPath: "b.js", Content: []byte("two")},
		{RelPath: "a.js", Content: []byte("one")},
	}
	b := []File{
		{RelPath: "a.js", Content: []byte("one")},
		{RelPath: "b.js", Content: []byte("two")},
	}
	require.Equal(t, Digest(a), Digest(b))
	require.Len(t, Digest(a), 64)
}

func TestDigestStripsCarriageReturns(t *testing.T) {
	unix := []File{{RelPath: "a.js", Content: []byte("line1\nline2\n")}}
	dos := []File{{RelPath: "a.js", Content: []byte("line1\r\nline2\r\n")}}
	require.Equal(t, Digest(unix), Digest(dos))
}

func TestDigestExcludesGitDirectory(t *testing.T) {
	plain := []File{{RelPath: "a.js", Content: []byte("x")}}
	withGit := []File{
		{RelPath: "a.js", Content: []byte("x")},
		{RelPath: ".git/HEAD", Content: []byte("ref: refs/heads/main")},
		{RelPath: "sub/.git/config", Content: []byte("[core]")},
	}
	require.Equal(t, Digest(plain), Digest(withGit))
}

func TestDigestSensitiveToContent(t *testing.T) {
	a := []File{{RelPath: "a.js", Content: []byte("one")}}
	b := []File{{RelPath: "a.js", Content: []byte("two")}}
	require.NotEqual(t, Digest(a), Digest(b))
}

func TestRegistryRejectsDuplicateKey(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Kind: KindTool, Key: "fmt"}))

	err := r.Register(Registration{Kind: KindTool, Key: "fmt"})
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeRegistrationConflict, he.Code)
	require.Equal(t, false, he.Details["late"])

	// Same key under a different kind is a distinct registration.
	require.NoError(t, r.Register(Registration{Kind: KindCommand, Key: "fmt"}))
}

func TestRegistryRejectsLateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Kind: KindTool, Key: "early"}))
	r.CloseForSession()

	err := r.Register(Registration{Kind: KindTool, Key: "late"})
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, true, he.Details["late"])
}

func TestRegistryClearDropsAtomically(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Kind: KindTool, Key: "a"}))
	require.NoError(t, r.Register(Registration{Kind: KindShortcut, Key: "b"}))
	require.Equal(t, 2, r.Count())

	r.Clear()
	require.Equal(t, 0, r.Count())
	_, found := r.Lookup(KindTool, "a")
	require.False(t, found)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Kind: KindTool, Key: "a"}))
	r.Remove(KindTool, "a")
	r.Remove(KindTool, "a")
	_, found := r.Lookup(KindTool, "a")
	require.False(t, found)
}
