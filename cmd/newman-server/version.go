package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/version"
)

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the newman-server version",
		Long:  "Print the newman-server build version and the Go module it was built from.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if short {
				_, err := fmt.Fprintln(out, version.Current())
				return err
			}
			_, err := fmt.Fprintf(out, "newman-server %s (module %s)\n", version.Current(), version.Module())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version")
	return cmd
}
