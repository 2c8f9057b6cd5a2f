package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStateCmd(a *app) *cobra.Command {
	var cleanup bool

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show (or clear) the operation in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			if cleanup {
				return r.StateCleanup()
			}
			st, err := r.State()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove every operation marker")
	return cmd
}
