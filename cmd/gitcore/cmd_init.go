package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitcore/pkg/repo"
)

func newInitCmd(a *app) *cobra.Command {
	var bare bool
	var branch string

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty Git repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.dir
			if len(args) > 0 {
				path = args[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			opts, err := a.options()
			if err != nil {
				return err
			}
			opts = append(opts, repo.WithBare(bare))
			if branch != "" {
				opts = append(opts, repo.WithInitialBranch(branch))
			}
			r, err := repo.Init(abs, opts...)
			if err != nil {
				return err
			}
			defer r.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty Git repository in %s%c\n", r.GitDir(), filepath.Separator)
			return nil
		},
	}
	cmd.Flags().BoolVar(&bare, "bare", false, "create a bare repository")
	cmd.Flags().StringVarP(&branch, "initial-branch", "b", "", "name of the initial branch (default main)")
	return cmd
}
