package main

import (
	"github.com/spf13/cobra"

	synackcmd "github.com/p2plookup/synack/pkg/cmd"
	"github.com/p2plookup/synack/pkg/config"
)

const (
	// AppName is the name of the application, the name of the command, and the name of the home directory.
	AppName = "synack"
)

// RootCmd is the root command for synack
var RootCmd = &cobra.Command{
	Use:          AppName,
	Short:        "Synack resolves peers through the Kademlia DHT and checks them with a SYN/SYNACK/ACK handshake.",
	SilenceUsage: true,
}

// nodeCommands are the commands that run a node and take the node flags.
func nodeCommands() []*cobra.Command {
	cmds := []*cobra.Command{
		synackcmd.NewStartCmd(),
		synackcmd.NewResolveCmd(),
		synackcmd.NewHandshakeCmd(),
		synackcmd.NewRespondCmd(),
	}
	for _, c := range cmds {
		config.AddFlags(c)
	}
	return cmds
}

func init() {
	config.AddGlobalFlags(RootCmd, AppName)
}
