package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check backend connectivity and identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initLogging(cfg); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			conn, sess, _, err := dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			init, err := sess.Initialize(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("connected to %s\n", cfg.Server.URL)
			fmt.Printf("client id: %s\n", init.ClientID)
			if init.ServerVersion != "" {
				fmt.Printf("server: %s\n", init.ServerVersion)
			}

			current, err := sess.Current(ctx)
			if err == nil && current != "" {
				fmt.Printf("current session: %s\n", current)
			}
			return nil
		},
	}
}
