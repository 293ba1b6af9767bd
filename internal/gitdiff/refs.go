package gitdiff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"

	"github.com/cmux-dev/cmux/internal/gitcache"
	"github.com/cmux-dev/cmux/internal/gitexec"
	"github.com/cmux-dev/cmux/internal/logger"
	"github.com/cmux-dev/cmux/internal/runner"
)

// DiffRefs compares two revisions of a repository, returning per-file
// entries whose counts match `git diff --numstat`. Resolution failure of
// either revision yields an empty result; clone, open and tree-enumeration
// failures propagate. A failing `git diff` subprocess is not reported: it
// is logged at debug level and its output is treated as empty, so the
// tree-only classification applies.
//
// The blocking work (clone/fetch, object enumeration, subprocess calls)
// runs on the offload pool; cancel the context to abandon it.
func DiffRefs(ctx context.Context, opts DiffRefsOptions) ([]DiffEntry, error) {
	return runner.Do(ctx, func() ([]DiffEntry, error) {
		return diffRefs(ctx, opts)
	})
}

func diffRefs(ctx context.Context, opts DiffRefsOptions) ([]DiffEntry, error) {
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
	} else {
		// Override paths are not managed by EnsureRepo; revalidate here.
		gitcache.Default().SWRFetch(ctx, repoPath)
	}

	repo, err := gogit.PlainOpenWithOptions(repoPath, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", repoPath, err)
	}

	ref1, err := resolveRev(repo, opts.Ref1)
	if err != nil {
		logger.Debug().Str("rev", opts.Ref1).Msg("revision not found, returning empty diff")
		return []DiffEntry{}, nil
	}
	ref2, err := resolveRev(repo, opts.Ref2)
	if err != nil {
		logger.Debug().Str("rev", opts.Ref2).Msg("revision not found, returning empty diff")
		return []DiffEntry{}, nil
	}

	base := mergeBase(ctx, repoPath, repo, ref1, ref2, StrategyGit)

	baseMap, err := treeBlobsForCommit(repo, base)
	if err != nil {
		return nil, fmt.Errorf("enumerating base tree: %w", err)
	}
	headMap, err := treeBlobsForCommit(repo, ref2)
	if err != nil {
		return nil, fmt.Errorf("enumerating head tree: %w", err)
	}

	spec := base.String() + ".." + ref2.String()

	items := parseNameStatus(runGitTolerant(ctx, repoPath, "diff", "--name-status", "-z", "--find-renames", spec))
	numstat := parseNumstat(runGitTolerant(ctx, repoPath, "diff", "--numstat", "--find-renames", spec))

	if len(items) == 0 {
		// Rare merge edge cases leave the CLI silent while the trees
		// differ; classify from the trees alone.
		return treeOnlyDiff(repo, baseMap, headMap, &opts), nil
	}

	include := opts.includeContents()
	maxBytes := opts.maxBytes()

	out := make([]DiffEntry, 0, len(items))
	for _, it := range items {
		switch it.status {
		case "A":
			newID, ok := headMap[it.path]
			if !ok {
				continue
			}
			newData := readBlob(repo, newID)
			ns := numstat[it.path]
			e := DiffEntry{
				FilePath:  it.path,
				Status:    StatusAdded,
				Additions: ns.additions,
				Deletions: ns.deletions,
				IsBinary:  isBinaryData(newData) || ns.binary,
			}
			if !e.IsBinary {
				e.NewSize = ptr(len(newData))
				e.OldSize = ptr(0)
				if include {
					if len(newData) <= maxBytes {
						e.OldContent = ptr("")
						e.NewContent = ptr(string(newData))
					} else {
						e.ContentOmitted = true
					}
				}
			}
			if e.IsBinary {
				e.Additions, e.Deletions = 0, 0
			}
			out = append(out, e)

		case "M":
			oldID, inBase := baseMap[it.path]
			newID, inHead := headMap[it.path]
			if !inBase || !inHead {
				continue
			}
			oldData := readBlob(repo, oldID)
			newData := readBlob(repo, newID)
			ns := numstat[it.path]
			e := DiffEntry{
				FilePath:  it.path,
				Status:    StatusModified,
				Additions: ns.additions,
				Deletions: ns.deletions,
				IsBinary:  isBinaryData(oldData) || isBinaryData(newData) || ns.binary,
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
			if e.IsBinary {
				e.Additions, e.Deletions = 0, 0
			}
			// Zero-count text modifications still carry observable
			// mode/metadata deltas; emit them.
			out = append(out, e)

		case "D":
			oldID, ok := baseMap[it.path]
			if !ok {
				continue
			}
			oldData := readBlob(repo, oldID)
			ns := numstat[it.path]
			e := DiffEntry{
				FilePath:  it.path,
				Status:    StatusDeleted,
				Additions: ns.additions,
				Deletions: ns.deletions,
				IsBinary:  isBinaryData(oldData) || ns.binary,
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
			if e.IsBinary {
				e.Additions, e.Deletions = 0, 0
			}
			out = append(out, e)

		case "R":
			newID, ok := headMap[it.path]
			if !ok {
				continue
			}
			newData := readBlob(repo, newID)
			ns := numstatForRename(numstat, it.oldPath, it.path)
			e := DiffEntry{
				FilePath:  it.path,
				OldPath:   ptr(it.oldPath),
				Status:    StatusRenamed,
				Additions: ns.additions,
				Deletions: ns.deletions,
				IsBinary:  isBinaryData(newData) || ns.binary,
			}
			if !e.IsBinary {
				var oldData []byte
				if oldID, ok := baseMap[it.oldPath]; ok {
					oldData = readBlob(repo, oldID)
				}
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
			if e.IsBinary {
				e.Additions, e.Deletions = 0, 0
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// runGitTolerant runs git and swallows failures; the caller falls back
// to object-model classification when the CLI yields nothing.
func runGitTolerant(ctx context.Context, dir string, args ...string) string {
	out, err := gitexec.Run(ctx, dir, args...)
	if err != nil {
		var gitErr *gitexec.Error
		if errors.As(err, &gitErr) {
			logger.Debug().Err(err).Msg("git diff subprocess failed")
		}
		return ""
	}
	return out
}

type nameStatusItem struct {
	status  string
	path    string
	oldPath string
}

// parseNameStatus parses NUL-delimited `--name-status -z` output. Rename
// and copy records carry two paths; everything else one.
func parseNameStatus(out string) []nameStatusItem {
	var items []nameStatusItem
	toks := strings.Split(out, "\x00")
	i := 0
	next := func() (string, bool) {
		for i < len(toks) {
			t := toks[i]
			i++
			if t != "" {
				return t, true
			}
		}
		return "", false
	}
	for {
		code, ok := next()
		if !ok {
			break
		}
		if strings.HasPrefix(code, "R") || strings.HasPrefix(code, "C") {
			oldPath, ok1 := next()
			newPath, ok2 := next()
			if ok1 && ok2 {
				items = append(items, nameStatusItem{status: "R", path: newPath, oldPath: oldPath})
			}
			continue
		}
		path, ok := next()
		if ok {
			items = append(items, nameStatusItem{status: code, path: path})
		}
	}
	return items
}

type numstatCounts struct {
	additions int
	deletions int
	binary    bool
}

// parseNumstat parses `--numstat` output: tab-separated additions,
// deletions, path; "-" in either column denotes binary. Renames surface
// as "old => new" or "{a => b}/rest" path forms; both the raw and the
// resolved new path are indexed.
func parseNumstat(out string) map[string]numstatCounts {
	m := make(map[string]numstatCounts)
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 || parts[2] == "" {
			continue
		}
		a, d, path := parts[0], parts[1], parts[2]
		counts := numstatCounts{binary: a == "-" || d == "-"}
		if !counts.binary {
			counts.additions, _ = strconv.Atoi(a)
			counts.deletions, _ = strconv.Atoi(d)
		}
		m[path] = counts
		if newPath := renameNewPath(path); newPath != path {
			m[newPath] = counts
		}
	}
	return m
}

// renameNewPath resolves numstat rename notation to the new path:
// "old => new" and the braced infix form "dir/{a => b}/file".
func renameNewPath(path string) string {
	if open := strings.Index(path, "{"); open >= 0 {
		if arrow := strings.Index(path[open:], " => "); arrow >= 0 {
			if closing := strings.Index(path[open:], "}"); closing > arrow {
				newMid := path[open+arrow+4 : open+closing]
				resolved := path[:open] + newMid + path[open+closing+1:]
				return strings.ReplaceAll(resolved, "//", "/")
			}
		}
	}
	if arrow := strings.Index(path, " => "); arrow >= 0 {
		return path[arrow+4:]
	}
	return path
}

// numstatForRename finds counts for a renamed file under either path
// spelling.
func numstatForRename(m map[string]numstatCounts, oldPath, newPath string) numstatCounts {
	if ns, ok := m[newPath]; ok {
		return ns
	}
	if ns, ok := m[oldPath+" => "+newPath]; ok {
		return ns
	}
	return numstatCounts{}
}

// treeOnlyDiff classifies changes from the two tree maps alone: a
// symmetric set difference with identity-rename pairing (equal blob ids
// across the base-only and head-only sets).
func treeOnlyDiff(repo *gogit.Repository, baseMap, headMap map[string]plumbing.Hash, opts *DiffRefsOptions) []DiffEntry {
	include := opts.includeContents()
	maxBytes := opts.maxBytes()

	var baseOnly, headOnly, modified []string
	for path, baseID := range baseMap {
		if headID, ok := headMap[path]; !ok {
			baseOnly = append(baseOnly, path)
		} else if baseID != headID {
			modified = append(modified, path)
		}
	}
	for path := range headMap {
		if _, ok := baseMap[path]; !ok {
			headOnly = append(headOnly, path)
		}
	}
	sort.Strings(baseOnly)
	sort.Strings(headOnly)
	sort.Strings(modified)

	// Pair identical blobs across the two sides as renames, 1:1.
	byBlob := make(map[plumbing.Hash]string, len(baseOnly))
	for _, path := range baseOnly {
		if _, dup := byBlob[baseMap[path]]; !dup {
			byBlob[baseMap[path]] = path
		}
	}
	renamedFrom := make(map[string]string)
	usedOld := make(map[string]bool)
	for _, path := range headOnly {
		if oldPath, ok := byBlob[headMap[path]]; ok && !usedOld[oldPath] {
			renamedFrom[path] = oldPath
			usedOld[oldPath] = true
		}
	}

	out := []DiffEntry{}
	for _, path := range headOnly {
		newData := readBlob(repo, headMap[path])
		if oldPath, ok := renamedFrom[path]; ok {
			e := DiffEntry{
				FilePath: path,
				OldPath:  ptr(oldPath),
				Status:   StatusRenamed,
				IsBinary: isBinaryData(newData),
			}
			if !e.IsBinary {
				e.OldSize = ptr(len(newData))
				e.NewSize = ptr(len(newData))
				if include {
					if 2*len(newData) <= maxBytes {
						e.OldContent = ptr(string(newData))
						e.NewContent = ptr(string(newData))
					} else {
						e.ContentOmitted = true
					}
				}
			}
			out = append(out, e)
			continue
		}
		e := DiffEntry{
			FilePath:  path,
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
		out = append(out, e)
	}
	for _, path := range baseOnly {
		if usedOld[path] {
			continue
		}
		oldData := readBlob(repo, baseMap[path])
		e := DiffEntry{
			FilePath:  path,
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
		out = append(out, e)
	}
	for _, path := range modified {
		oldData := readBlob(repo, baseMap[path])
		newData := readBlob(repo, headMap[path])
		adds, dels := countLineChanges(string(oldData), string(newData))
		e := DiffEntry{
			FilePath:  path,
			Status:    StatusModified,
			Additions: adds,
			Deletions: dels,
			IsBinary:  isBinaryData(oldData) || isBinaryData(newData),
		}
		if e.IsBinary {
			e.Additions, e.Deletions = 0, 0
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
		out = append(out, e)
	}
	return out
}

// countLines counts lines, including a final line without a trailing
// newline, matching numstat's count for a fully added or deleted text file.
func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
