package gitdiff

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/cmux-dev/cmux/internal/gitexec"
	"github.com/cmux-dev/cmux/internal/runner"
)

// DiffWorkspace compares the working tree at worktreePath against its
// committed HEAD, or against the remote default branch when HEAD is
// unborn. Untracked files respect the ignore rules; tracked deletions
// and modifications are reported with line counts.
func DiffWorkspace(ctx context.Context, opts DiffWorkspaceOptions) ([]DiffEntry, error) {
	return runner.Do(ctx, func() ([]DiffEntry, error) {
		return diffWorkspace(ctx, opts)
	})
}

func diffWorkspace(ctx context.Context, opts DiffWorkspaceOptions) ([]DiffEntry, error) {
	worktree := opts.WorktreePath

	repo, err := gogit.PlainOpenWithOptions(worktree, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", worktree, err)
	}

	baseMap, err := workspaceBaseTree(ctx, repo, worktree)
	if err != nil {
		return nil, err
	}

	changes, err := workspaceChanges(ctx, worktree)
	if err != nil {
		return nil, err
	}

	include := opts.includeContents()
	maxBytes := opts.maxBytes()

	out := []DiffEntry{}
	seen := make(map[string]bool)
	for _, ch := range changes {
		seen[ch.path] = true
		if ch.oldPath != "" {
			seen[ch.oldPath] = true
		}
		entry, ok := workspaceEntry(repo, worktree, baseMap, ch, include, maxBytes)
		if ok {
			out = append(out, entry)
		}
	}

	// With an unborn HEAD, git status only reports worktree paths; base
	// paths deleted relative to the remote default are found by scanning
	// the base tree.
	var missing []string
	for path := range baseMap {
		if seen[path] {
			continue
		}
		if _, err := os.Stat(filepath.Join(worktree, path)); os.IsNotExist(err) {
			missing = append(missing, path)
		}
	}
	sort.Strings(missing)
	for _, path := range missing {
		entry, ok := workspaceEntry(repo, worktree, baseMap, statusChange{path: path}, include, maxBytes)
		if ok {
			out = append(out, entry)
		}
	}

	return out, nil
}

// workspaceBaseTree returns the path → blob map of the comparison base:
// HEAD's tree, or the remote default branch when HEAD is unborn. An
// empty map means everything in the worktree is new.
func workspaceBaseTree(ctx context.Context, repo *gogit.Repository, worktree string) (map[string]plumbing.Hash, error) {
	if head, err := repo.Head(); err == nil {
		return treeBlobsForCommit(repo, head.Hash())
	}

	branch := detectOriginHeadBranch(ctx, worktree)
	candidates := []string{branch, "main", "master"}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		ref, err := repo.Reference(plumbing.ReferenceName("refs/remotes/origin/"+name), true)
		if err != nil {
			continue
		}
		return treeBlobsForCommit(repo, ref.Hash())
	}
	return map[string]plumbing.Hash{}, nil
}

// detectOriginHeadBranch finds the remote default branch via
// symbolic-ref, falling back to rev-parse.
func detectOriginHeadBranch(ctx context.Context, worktree string) string {
	if out, err := gitexec.Run(ctx, worktree, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if short, ok := strings.CutPrefix(strings.TrimSpace(out), "refs/remotes/origin/"); ok && short != "" && short != "HEAD" {
			return short
		}
	}
	if out, err := gitexec.Run(ctx, worktree, "rev-parse", "--abbrev-ref", "origin/HEAD"); err == nil {
		if short, ok := strings.CutPrefix(strings.TrimSpace(out), "origin/"); ok && short != "" && short != "HEAD" {
			return short
		}
	}
	return ""
}

type statusChange struct {
	path    string
	oldPath string // set for renames
}

// workspaceChanges discovers changed paths via `git status --porcelain
// -z --untracked-files=all`, which respects the ignore rules.
func workspaceChanges(ctx context.Context, worktree string) ([]statusChange, error) {
	out, err := gitexec.Run(ctx, worktree, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}

	var changes []statusChange
	toks := strings.Split(out, "\x00")
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if len(tok) < 4 {
			continue
		}
		code := tok[:2]
		path := tok[3:]
		ch := statusChange{path: path}
		// Rename records are followed by the original path token.
		if strings.ContainsAny(code, "R") && i+1 < len(toks) && toks[i+1] != "" {
			ch.oldPath = toks[i+1]
			i++
		}
		changes = append(changes, ch)
	}
	return changes, nil
}

// workspaceEntry classifies one changed path against the base tree and
// the file on disk.
func workspaceEntry(repo *gogit.Repository, worktree string, baseMap map[string]plumbing.Hash, ch statusChange, include bool, maxBytes int) (DiffEntry, bool) {
	basePath := ch.path
	if ch.oldPath != "" {
		basePath = ch.oldPath
	}

	var oldData []byte
	oldID, inBase := baseMap[basePath]
	if inBase {
		oldData = readBlob(repo, oldID)
	}

	newData, onDisk := readWorktreeFile(worktree, ch.path)

	switch {
	case !onDisk && !inBase:
		return DiffEntry{}, false

	case !onDisk:
		e := DiffEntry{
			FilePath:  basePath,
			Status:    StatusDeleted,
			Deletions: countLines(oldData),
			IsBinary:  isBinaryData(oldData),
		}
		if e.IsBinary {
			e.Deletions = 0
		}
		if !e.IsBinary {
			e.OldSize = ptr(len(oldData))
			e.NewSize = ptr(0)
			if include {
				if len(oldData) <= maxBytes {
					e.OldContent = ptr(string(oldData))
					e.NewContent = ptr("")
				} else {
					e.ContentOmitted = true
				}
			}
		}
		return e, true

	case !inBase:
		e := DiffEntry{
			FilePath:  ch.path,
			Status:    StatusAdded,
			Additions: countLines(newData),
			IsBinary:  isBinaryData(newData),
		}
		if e.IsBinary {
			e.Additions = 0
		}
		if !e.IsBinary {
			e.OldSize = ptr(0)
			e.NewSize = ptr(len(newData))
			if include {
				if len(newData) <= maxBytes {
					e.OldContent = ptr("")
					e.NewContent = ptr(string(newData))
				} else {
					e.ContentOmitted = true
				}
			}
		}
		return e, true

	default:
		status := StatusModified
		var oldPath *string
		if ch.oldPath != "" && ch.oldPath != ch.path {
			status = StatusRenamed
			oldPath = ptr(ch.oldPath)
		} else if string(oldData) == string(newData) {
			// Staged-then-reverted files show up in status but carry no
			// delta.
			return DiffEntry{}, false
		}

		adds, dels := 0, 0
		bin := isBinaryData(oldData) || isBinaryData(newData)
		if !bin {
			adds, dels = countLineChanges(string(oldData), string(newData))
		}
		e := DiffEntry{
			FilePath:  ch.path,
			OldPath:   oldPath,
			Status:    status,
			Additions: adds,
			Deletions: dels,
			IsBinary:  bin,
		}
		if !e.IsBinary {
			e.OldSize = ptr(len(oldData))
			e.NewSize = ptr(len(newData))
			if include {
				if len(oldData)+len(newData) <= maxBytes {
					e.OldContent = ptr(string(oldData))
					e.NewContent = ptr(string(newData))
				} else {
					e.ContentOmitted = true
				}
			}
		}
		return e, true
	}
}

// readWorktreeFile reads a file relative to the worktree root. The
// boolean is false when the path does not exist or is a directory.
func readWorktreeFile(worktree, path string) ([]byte, bool) {
	full := filepath.Join(worktree, filepath.FromSlash(path))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, false
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, false
	}
	return data, true
}

// countLineChanges computes per-file added and deleted line counts with
// a line-granular text diff.
func countLineChanges(oldText, newText string) (additions, deletions int) {
	dmp := diffmatchpatch.New()
	c1, c2, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(c1, c2, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += n
		case diffmatchpatch.DiffDelete:
			deletions += n
		}
	}
	return additions, deletions
}
