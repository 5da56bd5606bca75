package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Report the number of established channel links",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			core, backend, err := openCore(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			defer core.Shutdown()

			fmt.Println("links:", core.LinkCount())
			return nil
		},
	}
	return cmd
}
