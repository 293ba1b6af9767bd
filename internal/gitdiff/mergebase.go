package gitdiff

import (
	"context"
	"strings"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"

	"github.com/cmux-dev/cmux/internal/gitexec"
)

// MergeBaseStrategy selects how the merge base is computed.
type MergeBaseStrategy int

const (
	// StrategyGit shells out to `git merge-base`, falling back to BFS
	// when the CLI fails.
	StrategyGit MergeBaseStrategy = iota
	// StrategyBFS walks the commit DAG in-process.
	StrategyBFS
)

// mergeBase returns the best common ancestor of a and b. When no common
// ancestor exists (degenerate linear-history case) a is returned.
func mergeBase(ctx context.Context, repoPath string, repo *gogit.Repository, a, b plumbing.Hash, strategy MergeBaseStrategy) plumbing.Hash {
	if strategy == StrategyGit {
		if base, ok := mergeBaseGit(ctx, repoPath, a, b); ok {
			return base
		}
	}
	return mergeBaseBFS(repo, a, b)
}

// mergeBaseGit invokes `git merge-base A B`; the first non-empty line is
// the result.
func mergeBaseGit(ctx context.Context, repoPath string, a, b plumbing.Hash) (plumbing.Hash, bool) {
	out, err := gitexec.Run(ctx, repoPath, "merge-base", a.String(), b.String())
	if err != nil {
		return plumbing.ZeroHash, false
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return plumbing.NewHash(line), true
		}
	}
	return plumbing.ZeroHash, false
}

// mergeBaseBFS runs a bidirectional BFS over the commit DAG from a and
// b, relaxing the best ancestor whenever the frontiers intersect; the
// intersection minimizing the sum of depths wins. The smaller frontier
// expands first each step, and expansion stops early once the current
// depth exceeds the recorded best cost.
func mergeBaseBFS(repo *gogit.Repository, a, b plumbing.Hash) plumbing.Hash {
	if a == b {
		return a
	}

	distA := map[plumbing.Hash]int{a: 0}
	distB := map[plumbing.Hash]int{b: 0}
	queueA := []plumbing.Hash{a}
	queueB := []plumbing.Hash{b}

	var best plumbing.Hash
	bestCost := -1

	expand := func(queue *[]plumbing.Hash, dist, other map[plumbing.Hash]int) bool {
		if len(*queue) == 0 {
			return false
		}
		cur := (*queue)[0]
		*queue = (*queue)[1:]

		d := dist[cur]
		if bestCost >= 0 && d > bestCost {
			return false
		}

		commit, err := repo.CommitObject(cur)
		if err != nil {
			return true
		}
		for _, pid := range commit.ParentHashes {
			if _, seen := dist[pid]; seen {
				continue
			}
			dist[pid] = d + 1
			*queue = append(*queue, pid)
			if od, ok := other[pid]; ok {
				cost := d + 1 + od
				if bestCost < 0 || cost < bestCost {
					best, bestCost = pid, cost
				}
			}
		}
		return true
	}

	for {
		var progressed bool
		if len(queueA) <= len(queueB) {
			progressed = expand(&queueA, distA, distB)
			progressed = expand(&queueB, distB, distA) || progressed
		} else {
			progressed = expand(&queueB, distB, distA)
			progressed = expand(&queueA, distA, distB) || progressed
		}
		if !progressed {
			break
		}
	}

	if bestCost < 0 {
		return a
	}
	return best
}
