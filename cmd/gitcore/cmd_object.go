package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitcore/pkg/object"
	"github.com/odvcencio/gitcore/pkg/repo"
)

func newHashObjectCmd(a *app) *cobra.Command {
	var write, stdin bool
	var typeName string

	cmd := &cobra.Command{
		Use:   "hash-object [-w] [-t type] (--stdin | file...)",
		Short: "Compute object ids, optionally storing the objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := object.ParseObjectType(typeName)
			if err != nil {
				return err
			}
			if stdin == (len(args) > 0) {
				return fmt.Errorf("hash-object: give either --stdin or files")
			}

			var r *repo.Repository
			if write {
				if r, err = a.open(); err != nil {
					return err
				}
				defer r.Close()
			}
			hash := func(data []byte) error {
				var id object.Oid
				if r == nil {
					id = object.HashObject(typ, data)
				} else {
					odb, err := r.Odb()
					if err != nil {
						return err
					}
					if id, err = odb.Write(typ, data); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			if stdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				return hash(data)
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := hash(data); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "store the object in the object database")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read the object from standard input")
	cmd.Flags().StringVarP(&typeName, "type", "t", "blob", "object type")
	return cmd
}

func newCatFileCmd(a *app) *cobra.Command {
	var showType, showSize, pretty, exists bool

	cmd := &cobra.Command{
		Use:   "cat-file (-t | -s | -p | -e | <type>) <revision>",
		Short: "Show the type, size or content of an object",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			rev := args[len(args)-1]
			id, err := r.RevParse(rev)
			if err != nil {
				if exists {
					return errExit(1)
				}
				return err
			}
			// An explicit type peels, as "git cat-file commit v1.0" does.
			var obj *repo.Object
			if len(args) == 2 {
				want, perr := object.ParseObjectType(args[0])
				if perr != nil {
					return perr
				}
				obj, err = r.Peel(id, want)
			} else {
				obj, err = r.Lookup(id)
			}
			if err != nil {
				if exists {
					return errExit(1)
				}
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case exists:
				return nil
			case showType:
				fmt.Fprintln(out, obj.Type())
				return nil
			case showSize:
				fmt.Fprintln(out, obj.Size())
				return nil
			}
			data, err := obj.Data()
			if err != nil {
				return err
			}
			if pretty && obj.Type() == object.TypeTree {
				tree, err := object.UnmarshalTree(data)
				if err != nil {
					return err
				}
				for _, e := range tree.Entries {
					fmt.Fprintf(out, "%06o %s %s\t%s\n", uint32(e.Mode), e.Mode.ObjectType(), e.Oid, e.Name)
				}
				return nil
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVarP(&showType, "type", "t", false, "show the object type")
	cmd.Flags().BoolVarP(&showSize, "size", "s", false, "show the object size")
	cmd.Flags().BoolVarP(&pretty, "pretty", "p", false, "pretty-print the content")
	cmd.Flags().BoolVarP(&exists, "exists", "e", false, "exit non-zero if the object does not exist")
	cmd.MarkFlagsMutuallyExclusive("type", "size", "pretty", "exists")
	return cmd
}

// errExit is a silent failure with an exit status.
type errExit int

func (e errExit) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
