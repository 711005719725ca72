package main

import (
	"fmt"
	"os"

	synackcmd "github.com/p2plookup/synack/pkg/cmd"
)

func main() {
	rootCmd := RootCmd
	rootCmd.AddCommand(nodeCommands()...)
	rootCmd.AddCommand(
		synackcmd.InitCmd,
		synackcmd.VersionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		// Print to stderr and exit with error
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
