package gitdiff

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cmux-dev/cmux/internal/gitcache"
	"github.com/cmux-dev/cmux/internal/gitexec"
	"github.com/cmux-dev/cmux/internal/runner"
)

// FileInfo describes one file of a branch tree.
type FileInfo struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	IsDirectory  bool   `json:"isDirectory"`
	RelativePath string `json:"relativePath"`
}

// ListRepoFilesOptions selects the repository, branch, and optional
// filter pattern for ListRepoFiles.
type ListRepoFilesOptions struct {
	RepoFullName       string `json:"repoFullName,omitempty"`
	RepoURL            string `json:"repoUrl,omitempty"`
	OriginPathOverride string `json:"originPathOverride,omitempty"`
	Branch             string `json:"branch,omitempty"`
	Pattern            string `json:"pattern,omitempty"`
}

// ListRepoFiles enumerates the files of a branch, preferring the
// remote-tracking ref over a possibly stale local branch. With a
// pattern, matches are scored by subsequence tightness and sorted best
// first; without one, paths sort ascending.
func ListRepoFiles(ctx context.Context, opts ListRepoFilesOptions) ([]FileInfo, error) {
	return runner.Do(ctx, func() ([]FileInfo, error) {
		return listRepoFiles(ctx, opts)
	})
}

func listRepoFiles(ctx context.Context, opts ListRepoFilesOptions) ([]FileInfo, error) {
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

	branch := opts.Branch
	if branch == "" {
		branch = detectOriginHeadBranch(ctx, repoPath)
		if branch == "" {
			branch = "main"
		}
	}

	refspec := "origin/" + branch
	if _, err := gitexec.Run(ctx, repoPath, "rev-parse", "--verify", "refs/remotes/"+refspec); err != nil {
		refspec = branch
	}

	out, err := gitexec.Run(ctx, repoPath, "ls-tree", "-r", "--name-only", refspec)
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed for %s: %w", refspec, err)
	}

	var files []FileInfo
	for _, line := range strings.Split(out, "\n") {
		rel := strings.TrimSpace(line)
		if rel == "" {
			continue
		}
		files = append(files, FileInfo{
			Path:         repoPath + "/" + rel,
			Name:         path.Base(rel),
			RelativePath: rel,
		})
	}

	if query := strings.TrimSpace(opts.Pattern); query != "" {
		type scored struct {
			score int
			file  FileInfo
		}
		var matches []scored
		for _, f := range files {
			if s, ok := subsequenceScore(f.RelativePath, query); ok {
				matches = append(matches, scored{score: s, file: f})
			}
		}
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].score != matches[j].score {
				return matches[i].score > matches[j].score
			}
			return matches[i].file.RelativePath < matches[j].file.RelativePath
		})
		out := make([]FileInfo, len(matches))
		for i, m := range matches {
			out[i] = m.file
		}
		return out, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelativePath < files[j].RelativePath
	})
	return files, nil
}

// subsequenceScore matches query as a case-insensitive subsequence of
// candidate. Tighter spans, earlier starts, and shorter candidates score
// higher.
func subsequenceScore(candidate, query string) (int, bool) {
	c := strings.ToLower(candidate)
	q := strings.ToLower(query)

	start, end := -1, -1
	pos := 0
	for i := 0; i < len(c) && pos < len(q); i++ {
		if c[i] == q[pos] {
			if start < 0 {
				start = i
			}
			end = i
			pos++
		}
	}
	if pos < len(q) {
		return 0, false
	}
	span := end - start + 1
	score := 1000 - span - start - len(c)/4
	return score, true
}
