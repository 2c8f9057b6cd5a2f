package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var code errExit
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "gitcore",
		Short:         "Inspect and edit Git object and reference databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.dir, "repo", "C", ".", "run as if started in this directory")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML file with library tunables")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn, error or none (overrides the config file)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newHashObjectCmd(a))
	root.AddCommand(newCatFileCmd(a))
	root.AddCommand(newUpdateRefCmd(a))
	root.AddCommand(newSymbolicRefCmd(a))
	root.AddCommand(newRevParseCmd(a))
	root.AddCommand(newShowRefCmd(a))
	root.AddCommand(newPackRefsCmd(a))
	root.AddCommand(newRepackCmd(a))
	root.AddCommand(newVerifyCmd(a))
	root.AddCommand(newStateCmd(a))
	root.AddCommand(newLsFilesCmd(a))
	root.AddCommand(newBranchCmd(a))
	root.AddCommand(newTagCmd(a))
	root.AddCommand(newReflogCmd(a))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gitcore 0.1.0-dev")
		},
	}
}
