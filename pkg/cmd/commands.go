package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/p2plookup/synack/node"
	"github.com/p2plookup/synack/types"
)

const (
	flagDial    = "dial"
	flagPayload = "payload"
	flagCount   = "count"
)

// NewStartCmd returns a command that runs a node accepting handshakes until it
// is interrupted.
func NewStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run a node that answers handshakes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunNode(cmd, func(ctx context.Context, n *node.Node, logger logging.EventLogger) error {
				for {
					id, err := n.HandshakeAsResponder(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						logger.Warnf("inbound handshake failed: %s", err)
						continue
					}
					cmd.Printf("handshake completed with %s\n", id)
				}
			})
		},
	}
}

// NewResolveCmd returns a command that resolves a peer through the DHT and
// prints its identify record.
func NewResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <peer-id>",
		Short: "Find a peer in the DHT and print its identify record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := peer.Decode(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer id %q: %w", args[0], err)
			}
			dial, err := cmd.Flags().GetBool(flagDial)
			if err != nil {
				return err
			}

			return RunNode(cmd, func(ctx context.Context, n *node.Node, logger logging.EventLogger) error {
				rec, err := n.Resolve(ctx, target)
				if err != nil {
					if types.IsRetryable(err) {
						return fmt.Errorf("%w (try again later)", err)
					}
					return err
				}
				if err := printRecord(cmd, rec); err != nil {
					return err
				}
				if dial {
					if err := n.Dial(ctx, rec); err != nil {
						return err
					}
					cmd.Printf("connected to %s\n", rec.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool(flagDial, false, "connect to the first listen address of the resolved peer")
	return cmd
}

// NewHandshakeCmd returns a command that runs a handshake as initiator. The
// peer is resolved first unless an address is given.
func NewHandshakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handshake <peer-id> [multiaddr]",
		Short: "Send a SYN to a peer and wait for the handshake to complete",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := peer.Decode(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer id %q: %w", args[0], err)
			}
			var addr multiaddr.Multiaddr
			if len(args) == 2 {
				if addr, err = multiaddr.NewMultiaddr(args[1]); err != nil {
					return fmt.Errorf("invalid address %q: %w", args[1], err)
				}
			}
			payload, err := cmd.Flags().GetString(flagPayload)
			if err != nil {
				return err
			}

			return RunNode(cmd, func(ctx context.Context, n *node.Node, logger logging.EventLogger) error {
				if addr != nil {
					n.AddAddress(target, addr)
				} else if !n.AddressBook().IsKnown(target) {
					rec, err := n.Resolve(ctx, target)
					if err != nil {
						return err
					}
					logger.Infof("resolved %s", rec)
				}

				var syn []byte
				if payload != "" {
					syn = []byte(payload)
				}
				id, err := n.HandshakeAsInitiator(ctx, target, syn)
				if err != nil {
					return err
				}
				cmd.Printf("handshake completed with %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().String(flagPayload, "", "SYN payload (default \"SYN\")")
	return cmd
}

// NewRespondCmd returns a command that waits for inbound handshakes.
func NewRespondCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Wait for peers to complete a handshake with this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := cmd.Flags().GetInt(flagCount)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--%s must be at least 1", flagCount)
			}

			return RunNode(cmd, func(ctx context.Context, n *node.Node, logger logging.EventLogger) error {
				for i := 0; i < count; i++ {
					id, err := n.HandshakeAsResponder(ctx)
					if err != nil {
						return err
					}
					cmd.Printf("handshake completed with %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int(flagCount, 1, "number of handshakes to wait for")
	return cmd
}

func printRecord(cmd *cobra.Command, rec *types.PeerRecord) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 0, 2, ' ', 0)
	fmt.Fprintf(w, "peer id:\t%s\n", rec.ID)
	fmt.Fprintf(w, "agent version:\t%s\n", rec.AgentVersion)
	fmt.Fprintf(w, "protocol version:\t%s\n", rec.ProtocolVersion)
	fmt.Fprintf(w, "observed address:\t%v\n", rec.ObservedAddr)
	for i, addr := range rec.ListenAddrs {
		fmt.Fprintf(w, "listen address [%d]:\t%s\n", i+1, addr)
	}
	fmt.Fprintf(w, "protocols:\t%s\n", strings.Join(rec.Protocols, ", "))
	return w.Flush()
}
