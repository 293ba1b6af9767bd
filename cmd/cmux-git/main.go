// Cmux-git is a CLI wrapper around the git diff engine: revision diffs,
// workspace diffs, branch and file listings, all emitted as JSON.
//
// Usage:
//
//	go build -o bin/cmux-git ./cmd/cmux-git
//	./bin/cmux-git diff-refs --repo-path . main feature
//	./bin/cmux-git diff-workspace /path/to/worktree
//	./bin/cmux-git ls-files --full-name octocat/hello-world
//
// Exit codes: 0 success, 1 usage or configuration error, 2 runtime
// failure.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cmux-dev/cmux/internal/logger"
)

func main() {
	logger.Init()

	err := newRootCmd().Execute()
	logger.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		var rt *runtimeError
		if errors.As(err, &rt) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runtimeError marks failures past argument validation; they exit with
// code 2 instead of 1.
type runtimeError struct {
	err error
}

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }
