package gitdiff

import (
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
)

// ErrRevNotFound is returned when a revision cannot be resolved by any
// strategy. DiffRefs translates this into an empty result rather than an
// error.
var ErrRevNotFound = errors.New("revision not found")

// resolveRev resolves a textual revision to an object id, trying in
// order: full hex id, fully qualified ref or HEAD, origin/ normalized
// remote ref, remote-tracking ref, the revision parser (tags, HEAD^,
// etc.), and finally local branch and tag namespaces. Remote-tracking
// refs are preferred for bare names to avoid stale local branches.
func resolveRev(repo *gogit.Repository, rev string) (plumbing.Hash, error) {
	if isHex(rev) {
		return plumbing.NewHash(rev), nil
	}

	if strings.HasPrefix(rev, "refs/") || rev == "HEAD" {
		if ref, err := repo.Reference(plumbing.ReferenceName(rev), true); err == nil {
			return ref.Hash(), nil
		}
	}

	if rest, ok := strings.CutPrefix(rev, "origin/"); ok {
		name := plumbing.ReferenceName("refs/remotes/origin/" + rest)
		if ref, err := repo.Reference(name, true); err == nil {
			return ref.Hash(), nil
		}
	}

	remote := plumbing.ReferenceName("refs/remotes/origin/" + rev)
	if ref, err := repo.Reference(remote, true); err == nil {
		return ref.Hash(), nil
	}

	if hash, err := repo.ResolveRevision(plumbing.Revision(rev)); err == nil && !hash.IsZero() {
		return *hash, nil
	}

	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if ref, err := repo.Reference(plumbing.ReferenceName(prefix+rev), true); err == nil {
			return ref.Hash(), nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("%w: %q", ErrRevNotFound, rev)
}

// commitFromHash loads the commit for an object id, peeling annotated
// tags.
func commitFromHash(repo *gogit.Repository, hash plumbing.Hash) (*object.Commit, error) {
	if commit, err := repo.CommitObject(hash); err == nil {
		return commit, nil
	}
	tag, err := repo.TagObject(hash)
	if err != nil {
		return nil, fmt.Errorf("object %s is not a commit", hash)
	}
	return tag.Commit()
}

// isHex reports whether rev looks like a full object id.
func isHex(rev string) bool {
	if len(rev) != 40 && len(rev) != 64 {
		return false
	}
	for _, c := range rev {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
