package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmux-dev/cmux/internal/gitdiff"
)

// repoFlags are the repository selectors shared by the diff-refs,
// ls-files and branches subcommands.
type repoFlags struct {
	fullName string
	repoURL  string
	repoPath string
}

func (f *repoFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.fullName, "full-name", "", "GitHub repository as owner/name")
	flags.StringVar(&f.repoURL, "url", "", "Repository clone URL")
	flags.StringVar(&f.repoPath, "repo-path", "", "Local repository path (skips the clone cache)")
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cmux-git",
		Short:        "Git diff engine CLI",
		SilenceUsage: true,
	}
	cmd.AddCommand(newDiffRefsCmd())
	cmd.AddCommand(newDiffWorkspaceCmd())
	cmd.AddCommand(newLsFilesCmd())
	cmd.AddCommand(newBranchesCmd())
	return cmd
}

func newDiffRefsCmd() *cobra.Command {
	var repo repoFlags
	var noContents bool
	var maxBytes int

	cmd := &cobra.Command{
		Use:   "diff-refs <ref1> <ref2>",
		Short: "Diff two revisions, matching git numstat counts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			include := !noContents
			entries, err := gitdiff.DiffRefs(cmd.Context(), gitdiff.DiffRefsOptions{
				Ref1:               args[0],
				Ref2:               args[1],
				RepoFullName:       repo.fullName,
				RepoURL:            repo.repoURL,
				OriginPathOverride: repo.repoPath,
				IncludeContents:    &include,
				MaxBytes:           maxBytes,
			})
			if err != nil {
				return &runtimeError{err: err}
			}
			return writeJSON(entries)
		},
	}
	repo.register(cmd)
	cmd.Flags().BoolVar(&noContents, "no-contents", false, "Suppress file contents in the output")
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 0, "Content capture ceiling per entry (default 950 KiB)")
	return cmd
}

func newDiffWorkspaceCmd() *cobra.Command {
	var noContents bool
	var maxBytes int

	cmd := &cobra.Command{
		Use:   "diff-workspace <worktree>",
		Short: "Diff uncommitted changes against HEAD or the remote default branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			include := !noContents
			entries, err := gitdiff.DiffWorkspace(cmd.Context(), gitdiff.DiffWorkspaceOptions{
				WorktreePath:    args[0],
				IncludeContents: &include,
				MaxBytes:        maxBytes,
			})
			if err != nil {
				return &runtimeError{err: err}
			}
			return writeJSON(entries)
		},
	}
	cmd.Flags().BoolVar(&noContents, "no-contents", false, "Suppress file contents in the output")
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 0, "Content capture ceiling per entry (default 950 KiB)")
	return cmd
}

func newLsFilesCmd() *cobra.Command {
	var repo repoFlags
	var branch, pattern string

	cmd := &cobra.Command{
		Use:   "ls-files",
		Short: "List the files of a branch, optionally filtered by pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := gitdiff.ListRepoFiles(cmd.Context(), gitdiff.ListRepoFilesOptions{
				RepoFullName:       repo.fullName,
				RepoURL:            repo.repoURL,
				OriginPathOverride: repo.repoPath,
				Branch:             branch,
				Pattern:            pattern,
			})
			if err != nil {
				return &runtimeError{err: err}
			}
			return writeJSON(files)
		},
	}
	repo.register(cmd)
	cmd.Flags().StringVar(&branch, "branch", "", "Branch to list (default: remote default branch)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Subsequence filter; best matches first")
	return cmd
}

func newBranchesCmd() *cobra.Command {
	var repo repoFlags

	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List remote-tracking branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			branches, err := gitdiff.ListRemoteBranches(cmd.Context(), gitdiff.ListRemoteBranchesOptions{
				RepoFullName:       repo.fullName,
				RepoURL:            repo.repoURL,
				OriginPathOverride: repo.repoPath,
			})
			if err != nil {
				return &runtimeError{err: err}
			}
			return writeJSON(branches)
		},
	}
	repo.register(cmd)
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return &runtimeError{err: err}
	}
	return nil
}
