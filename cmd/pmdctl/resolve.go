package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <alias>",
		Short: "Resolve an alias or NodeID to its registered address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			node, err := c.Resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s:%d (nodeId=%s)\n", args[0], node.Host, node.Port, node.NodeID)
			return nil
		},
	}
}
