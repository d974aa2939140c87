package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every node registered with the pmd",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			nodes, err := c.List()
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println("no nodes registered")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tNODE ID\tHOST\tPORT")
			for _, n := range nodes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", n.Alias, n.NodeID, n.Host, n.Port)
			}
			return w.Flush()
		},
	}
}
