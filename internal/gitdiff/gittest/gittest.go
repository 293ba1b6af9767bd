// Package gittest builds throwaway git repositories for tests by
// driving the real git binary, so engine behavior is compared against
// the same tool it treats as an oracle.
package gittest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmux-dev/cmux/internal/gitexec"
)

// Run executes git in dir and fails the test on error.
func Run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := gitexec.Run(context.Background(), dir, args...)
	require.NoError(t, err, "git %s", strings.Join(args, " "))
	return out
}

// Commit stages everything and commits with a deterministic identity.
func Commit(t *testing.T, dir, message string) {
	t.Helper()
	Run(t, dir, "add", "-A")
	Run(t, dir, "-c", "user.email=test@example.com", "-c", "user.name=Test", "-c", "gc.auto=0", "commit", "-m", message, "--no-gpg-sign")
}

// WriteFile writes a file inside the repository, creating parents.
func WriteFile(t *testing.T, dir, rel string, content []byte) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, content, 0644))
}

// RemoveFile deletes a file inside the repository.
func RemoveFile(t *testing.T, dir, rel string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(dir, filepath.FromSlash(rel))))
}

// InitRepo creates a repository on branch main with one initial commit.
func InitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	Run(t, dir, "init")
	Run(t, dir, "checkout", "-b", "main")
	WriteFile(t, dir, "README.md", []byte("# test\n"))
	Commit(t, dir, "init")
	return dir
}

// InitBareOrigin creates a bare repository whose default branch is main.
func InitBareOrigin(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	require.NoError(t, os.MkdirAll(origin, 0755))
	Run(t, root, "init", "--bare", "origin.git")
	Run(t, origin, "symbolic-ref", "HEAD", "refs/heads/main")
	return origin
}

// RevParse resolves a revision to its hash.
func RevParse(t *testing.T, dir, rev string) string {
	t.Helper()
	return strings.TrimSpace(Run(t, dir, "rev-parse", rev))
}

// NumstatSums returns the summed additions and deletions of
// `git diff --numstat from..to`, treating binary markers as zero.
func NumstatSums(t *testing.T, dir, from, to string) (int, int) {
	t.Helper()
	out := Run(t, dir, "diff", "--numstat", "--find-renames", from+".."+to)
	var adds, dels int
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		adds += atoiOrZero(parts[0])
		dels += atoiOrZero(parts[1])
	}
	return adds, dels
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
