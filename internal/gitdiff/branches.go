package gitdiff

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v6"

	"github.com/cmux-dev/cmux/internal/gitcache"
	"github.com/cmux-dev/cmux/internal/runner"
)

// BranchInfo describes one remote-tracking branch.
type BranchInfo struct {
	Name      string `json:"name"`
	CommitSHA string `json:"commitSha"`
}

// ListRemoteBranchesOptions selects the repository for ListRemoteBranches.
type ListRemoteBranchesOptions struct {
	RepoFullName       string `json:"repoFullName,omitempty"`
	RepoURL            string `json:"repoUrl,omitempty"`
	OriginPathOverride string `json:"originPathOverride,omitempty"`
}

// ListRemoteBranches enumerates refs/remotes/origin/*, skipping the
// symbolic HEAD, sorted by name.
func ListRemoteBranches(ctx context.Context, opts ListRemoteBranchesOptions) ([]BranchInfo, error) {
	return runner.Do(ctx, func() ([]BranchInfo, error) {
		return listRemoteBranches(ctx, opts)
	})
}

func listRemoteBranches(ctx context.Context, opts ListRemoteBranchesOptions) ([]BranchInfo, error) {
	repoPath := opts.OriginPathOverride
	if repoPath == "" {
		url, err := gitcache.ResolveURL(opts.RepoFullName, opts.RepoURL)
		if err != nil {
			return nil, err
		}
		repoPath, err = gitcache.Default().EnsureRepo(ctx, url)
		if err != nil {
			return nil, err
		}
	}

	repo, err := gogit.PlainOpenWithOptions(repoPath, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", repoPath, err)
	}

	iter, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	defer iter.Close()

	const prefix = "refs/remotes/origin/"
	var branches []BranchInfo
	for {
		ref, err := iter.Next()
		if err != nil {
			break
		}
		name := string(ref.Name())
		short, ok := strings.CutPrefix(name, prefix)
		if !ok || short == "HEAD" {
			continue
		}
		branches = append(branches, BranchInfo{
			Name:      short,
			CommitSHA: ref.Hash().String(),
		})
	}

	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}
