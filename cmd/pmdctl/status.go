package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a pmd is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				fmt.Printf("pmd at %s:%d: unreachable (%v)\n", flagHost, flagPort, err)
				return err
			}
			defer c.Disconnect()

			nodes, err := c.List()
			if err != nil {
				return err
			}
			fmt.Printf("pmd at %s:%d: reachable, %d node(s) registered\n", flagHost, flagPort, len(nodes))
			return nil
		},
	}
}
