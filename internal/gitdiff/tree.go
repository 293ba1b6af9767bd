package gitdiff

import (
	"io"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"
)

// collectTreeBlobs enumerates a tree into a path → blob-id mapping,
// depth-first with "/" separators. Non-blob, non-tree entries (submodule
// gitlinks) are surfaced with their raw id; blob reads on those fail, so
// the diff engine sees empty content with zero size. They are not flagged
// binary unless git's numstat output marks them binary.
func collectTreeBlobs(repo *gogit.Repository, tree *object.Tree, prefix string, out map[string]plumbing.Hash) error {
	for _, entry := range tree.Entries {
		full := entry.Name
		if prefix != "" {
			full = prefix + "/" + entry.Name
		}
		if entry.Mode == filemode.Dir {
			sub, err := repo.TreeObject(entry.Hash)
			if err != nil {
				return err
			}
			if err := collectTreeBlobs(repo, sub, full, out); err != nil {
				return err
			}
			continue
		}
		out[full] = entry.Hash
	}
	return nil
}

// treeBlobsForCommit builds the path → blob map for a commit's tree.
func treeBlobsForCommit(repo *gogit.Repository, hash plumbing.Hash) (map[string]plumbing.Hash, error) {
	commit, err := commitFromHash(repo, hash)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	out := make(map[string]plumbing.Hash)
	if err := collectTreeBlobs(repo, tree, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

// readBlob returns the raw bytes of a blob, or nil when the id does not
// name a readable blob (gitlinks, missing objects).
func readBlob(repo *gogit.Repository, hash plumbing.Hash) []byte {
	blob, err := repo.BlobObject(hash)
	if err != nil {
		return nil
	}
	r, err := blob.Reader()
	if err != nil {
		return nil
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return data
}
