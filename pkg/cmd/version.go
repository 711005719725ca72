package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/p2plookup/synack/pkg/config"
)

var (
	// GitSHA is set at build time
	GitSHA string

	// Version is set at build time
	Version = config.Version
)

// VersionCmd is the command to show version info for synack CLI
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		if GitSHA == "" {
			return errors.New("git SHA not set")
		}
		if Version == "" {
			return errors.New("version not set")
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 0, 2, ' ', 0)
		_, err1 := fmt.Fprintf(w, "\nsynack version:\t%v\n", Version)
		_, err2 := fmt.Fprintf(w, "synack git sha:\t%v\n", GitSHA)
		_, err3 := fmt.Fprintln(w, "")
		return errors.Join(err1, err2, err3, w.Flush())
	},
}
