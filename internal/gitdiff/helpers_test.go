package gitdiff

import (
	"testing"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/stretchr/testify/require"
)

func openRepoForTest(t *testing.T, dir string) *gogit.Repository {
	t.Helper()
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	require.NoError(t, err)
	return repo
}

func parseHash(t *testing.T, hex string) plumbing.Hash {
	t.Helper()
	require.True(t, isHex(hex), "not a hash: %q", hex)
	return plumbing.NewHash(hex)
}
