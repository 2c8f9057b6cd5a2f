package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/gitcore/pkg/refdb"
)

func newTagCmd(a *app) *cobra.Command {
	var deleteTag, message string
	var force, showHash bool

	cmd := &cobra.Command{
		Use:   "tag [name] [target]",
		Short: "List, create, or delete tags",
		Long:  "List, create, or delete tags. With -m an annotated tag is created, signed by user.name and user.email.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.open()
			if err != nil {
				return err
			}
			defer r.Close()

			if strings.TrimSpace(deleteTag) != "" {
				if len(args) > 0 {
					return fmt.Errorf("tag --delete does not accept positional args")
				}
				return r.DeleteTag(deleteTag)
			}

			if len(args) == 0 {
				tags, err := r.ListTags()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, name := range tags {
					if !showHash {
						fmt.Fprintln(out, name)
						continue
					}
					id, err := r.RevParse(refdb.TagPrefix + name)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %s\n", id, name)
				}
				return nil
			}

			rev := refdb.HEAD
			if len(args) == 2 {
				rev = args[1]
			}
			target, err := r.RevParse(rev)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", rev, err)
			}
			if message == "" {
				return r.CreateLightweightTag(args[0], target, force)
			}
			tagger, err := r.Identity()
			if err != nil {
				return err
			}
			_, err = r.CreateTag(args[0], target, tagger, message, force)
			return err
		},
	}
	cmd.Flags().StringVarP(&deleteTag, "delete", "d", "", "delete the named tag")
	cmd.Flags().StringVarP(&message, "message", "m", "", "create an annotated tag with this message")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing tag")
	cmd.Flags().BoolVar(&showHash, "show-hash", false, "show tag target hashes when listing")
	return cmd
}
