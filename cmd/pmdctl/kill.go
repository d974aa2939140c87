package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Ask the pmd to shut itself down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			if err := c.Shutdown(); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}
