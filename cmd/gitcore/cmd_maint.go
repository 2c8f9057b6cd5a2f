package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRepackCmd(a *app) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "repack",
		Short: "Pack loose objects into a new pack file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			summary, err := r.Repack(prune)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if summary.PackedObjects == 0 {
				fmt.Fprintln(out, "nothing to pack")
				return nil
			}
			fmt.Fprintf(out, "packed %d object(s) (%d delta(s)) into %s, pruned %d loose object(s)\n",
				summary.PackedObjects, summary.Deltas, summary.PackFile, summary.Pruned)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&prune, "delete", "d", false, "remove loose objects once packed")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify loose and packed object integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()
			odb, err := r.Odb()
			if err != nil {
				return err
			}

			report, err := odb.Verify()
			if err != nil {
				return err
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"ok: verified %d loose object(s), %d pack file(s), %d packed object(s)\n",
				report.LooseObjects,
				report.PackFiles,
				report.PackObjects,
			)
			return nil
		},
	}
}
