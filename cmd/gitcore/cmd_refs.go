package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitcore/pkg/object"
	"github.com/odvcencio/gitcore/pkg/refdb"
)

func newUpdateRefCmd(a *app) *cobra.Command {
	var del bool
	var message string

	cmd := &cobra.Command{
		Use:   "update-ref [-d] [-m msg] <ref> [<newvalue>] [<oldvalue>]",
		Short: "Update a reference, optionally checking its current value",
		Long: "Update a reference. When <oldvalue> is given the update only happens if the " +
			"reference currently holds it; an all-zero <oldvalue> requires the reference not to exist.",
		Args: cobra.RangeArgs(1, 3),
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

			name := args[0]
			var oldArg string
			if del {
				if len(args) > 2 {
					return fmt.Errorf("update-ref -d takes <ref> [<oldvalue>]")
				}
				if len(args) == 2 {
					oldArg = args[1]
				}
			} else {
				if len(args) < 2 {
					return fmt.Errorf("update-ref needs <ref> <newvalue>")
				}
				if len(args) == 3 {
					oldArg = args[2]
				}
			}
			var expected *refdb.Target
			if oldArg != "" {
				old, err := object.ParseOid(oldArg)
				if err != nil {
					return err
				}
				expected = &refdb.Target{Oid: old}
			}

			if del {
				return refs.Delete(name, expected)
			}
			id, err := r.RevParse(args[1])
			if err != nil {
				return err
			}
			return refs.Update(name, refdb.Direct(id), expected, message)
		},
	}
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "delete the reference")
	cmd.Flags().StringVarP(&message, "message", "m", "", "reflog message")
	return cmd
}

func newSymbolicRefCmd(a *app) *cobra.Command {
	var short bool
	var message string

	cmd := &cobra.Command{
		Use:   "symbolic-ref <name> [<ref>]",
		Short: "Read or write a symbolic reference",
		Args:  cobra.RangeArgs(1, 2),
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

			if len(args) == 2 {
				if err := refdb.ValidateName(args[1]); err != nil {
					return err
				}
				return refs.Update(args[0], refdb.Symbolic(args[1]), nil, message)
			}
			ref, err := refs.Lookup(args[0])
			if err != nil {
				return err
			}
			if !ref.Target.IsSymbolic() {
				return fmt.Errorf("ref %s is not a symbolic ref", args[0])
			}
			target := ref.Target.Symbolic
			if short {
				target = refdb.ShortName(target)
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "shorten the printed target")
	cmd.Flags().StringVarP(&message, "message", "m", "", "reflog message")
	return cmd
}

func newRevParseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rev-parse <revision>...",
		Short: "Resolve revisions to object ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()
			for _, spec := range args {
				id, err := r.RevParse(spec)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newShowRefCmd(a *app) *cobra.Command {
	var head, dereference bool

	cmd := &cobra.Command{
		Use:   "show-ref [--head] [-d] [<pattern>]",
		Short: "List references with the ids they resolve to",
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

			out := cmd.OutOrStdout()
			if head {
				if id, err := refs.Resolve(refdb.HEAD); err == nil {
					fmt.Fprintf(out, "%s %s\n", id, refdb.HEAD)
				}
			}
			seq := refs.All()
			if len(args) == 1 {
				seq = refs.Glob(args[0])
			}
			for ref, err := range seq {
				if err != nil {
					return err
				}
				id := ref.Target.Oid
				if ref.Target.IsSymbolic() {
					if id, err = refs.Resolve(ref.Name); err != nil {
						continue
					}
				}
				fmt.Fprintf(out, "%s %s\n", id, ref.Name)
				if !dereference {
					continue
				}
				if peeled, err := r.Peel(id, object.TypeAny); err == nil && peeled.Id() != id {
					fmt.Fprintf(out, "%s %s^{}\n", peeled.Id(), ref.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&head, "head", false, "show HEAD as well")
	cmd.Flags().BoolVarP(&dereference, "dereference", "d", false, "also show the peeled target of tags")
	return cmd
}

func newPackRefsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pack-refs",
		Short: "Move loose references into packed-refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()
			n, err := r.PackRefs()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "packed %d ref(s)\n", n)
			return nil
		},
	}
}
