package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLsFilesCmd(a *app) *cobra.Command {
	var stage, unmerged bool

	cmd := &cobra.Command{
		Use:   "ls-files [-s] [-u]",
		Short: "List the paths in the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()
			idx, err := r.Index()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			last := ""
			for e := range idx.Entries() {
				if unmerged && e.Stage == 0 {
					continue
				}
				if stage || unmerged {
					fmt.Fprintf(out, "%06o %s %d\t%s\n", uint32(e.Mode), e.Oid, e.Stage, e.Path)
					continue
				}
				// Conflicted paths have several stages; list them once.
				if e.Path != last {
					fmt.Fprintln(out, e.Path)
					last = e.Path
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&stage, "stage", "s", false, "show mode, id and stage")
	cmd.Flags().BoolVarP(&unmerged, "unmerged", "u", false, "show only unmerged entries")
	return cmd
}
