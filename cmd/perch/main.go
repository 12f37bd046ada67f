package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/auth"
	"github.com/perch-dev/perch/internal/config"
	"github.com/perch-dev/perch/internal/logger"
	"github.com/perch-dev/perch/internal/permission"
	"github.com/perch-dev/perch/internal/rpc"
	"github.com/perch-dev/perch/internal/session"
)

func main() {
	root := &cobra.Command{
		Use:   "perch",
		Short: "perch is a terminal client for an agent backend",
		Long:  "Connects to an agent backend over a single WebSocket and keeps your sessions, permissions, and transcripts in sync across clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().String("config", "", "Config file (default ~/.perch/config.yaml)")

	root.AddCommand(
		loginCmd(),
		statusCmd(),
		chatCmd(),
		sessionsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func tokenStore(cfg *config.Config) (*auth.Store, error) {
	path := cfg.Server.TokenPath
	if path == "" {
		p, err := config.DefaultTokenPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return auth.NewStore(path), nil
}

// dial builds the transport stack from config: connection, session
// client, and permission coordinator wired into the router.
func dial(ctx context.Context, cfg *config.Config) (*rpc.Conn, *session.Client, *permission.Coordinator, error) {
	store, err := tokenStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	token, err := store.Load()
	if err != nil && err != auth.ErrNoToken {
		return nil, nil, nil, err
	}
	if token != "" {
		if info, err := auth.Inspect(token); err == nil && info.Expired() {
			return nil, nil, nil, fmt.Errorf("device token expired; run perch login")
		}
	}

	conn := rpc.NewConn(rpc.Config{
		URL:            cfg.Server.URL,
		Token:          token,
		Insecure:       cfg.Server.Insecure,
		ConnectTimeout: cfg.ConnectTimeout(),
		BackoffBase:    cfg.BackoffBase(),
		MaxReconnects:  cfg.Server.MaxReconnects,
		OnStateChange: func(s rpc.State, err error) {
			if err != nil {
				logger.Info("connection state", "state", s.String(), "err", err)
			}
		},
	})
	perm := permission.NewCoordinator(conn)
	conn.Router().SetPermissionSink(perm)
	sess := session.NewClient(conn)

	if err := conn.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}
	return conn, sess, perm, nil
}

func initLogging(cfg *config.Config) error {
	return logger.Init(cfg.Logging.Level, cfg.Logging.File)
}
