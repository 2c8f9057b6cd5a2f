package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitcore/pkg/refdb"
)

func newReflogCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "reflog [ref]",
		Short: "Show ref update history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()
			refs, err := r.RefDb()
			if err != nil {
				return err
			}

			ref := refdb.HEAD
			if len(args) == 1 {
				ref = args[0]
			}
			entries, err := refs.Reflog(ref)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, e := range entries {
				if limit > 0 && i >= limit {
					break
				}
				ts := e.Committer.When.UTC().Format(time.RFC3339)
				fmt.Fprintf(out, "%s %s@{%d} %s %s\n", e.New.Short(8), ref, i, ts, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	return cmd
}
