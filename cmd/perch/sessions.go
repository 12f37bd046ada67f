package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/config"
	"github.com/perch-dev/perch/internal/history"
	"github.com/perch-dev/perch/internal/session"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage agent sessions",
	}
	cmd.AddCommand(
		sessionsListCmd(),
		sessionsResumeCmd(),
		sessionsForkCmd(),
		sessionsDeleteCmd(),
	)
	return cmd
}

func withSession(cmd *cobra.Command, fn func(ctx context.Context, sess *session.Client) error) error {
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
	return fn(ctx, sess)
}

func sessionsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions (falls back to the local cache when offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cwd, _ := cmd.Flags().GetString("cwd")
			err := withSession(cmd, func(ctx context.Context, sess *session.Client) error {
				sessions, err := sess.List(ctx, session.ListOptions{Cwd: cwd, Limit: limit})
				if err != nil {
					return err
				}
				for _, s := range sessions {
					active := " "
					if s.Active {
						active = "*"
					}
					fmt.Printf("%s %-36s  %-30s  %s\n", active, s.SessionID, s.Title, s.Cwd)
				}
				return nil
			})
			if err == nil {
				return nil
			}
			// Offline: show what the local cache knows.
			fmt.Fprintf(os.Stderr, "backend unreachable (%v), showing local cache\n", err)
			return listCached(limit)
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum sessions to list")
	cmd.Flags().String("cwd", "", "Filter by working directory")
	return cmd
}

func listCached(limit int) error {
	path, err := config.DefaultHistoryPath()
	if err != nil {
		return err
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	sessions, err := store.RecentSessions(limit)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("  %-36s  %-30s  %s\n", s.ID, s.Title, s.Cwd)
	}
	return nil
}

func sessionsResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Reactivate a stopped session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, _ := cmd.Flags().GetString("cwd")
			return withSession(cmd, func(ctx context.Context, sess *session.Client) error {
				if cwd == "" {
					wd, err := os.Getwd()
					if err != nil {
						return err
					}
					cwd = wd
				}
				if err := sess.Resume(ctx, args[0], cwd); err != nil {
					return err
				}
				fmt.Printf("resumed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().String("cwd", "", "Working directory for the resumed session")
	return cmd
}

func sessionsForkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fork <session-id>",
		Short: "Branch a new session from an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, _ := cmd.Flags().GetString("cwd")
			return withSession(cmd, func(ctx context.Context, sess *session.Client) error {
				if cwd == "" {
					wd, err := os.Getwd()
					if err != nil {
						return err
					}
					cwd = wd
				}
				id, err := sess.Fork(ctx, args[0], cwd)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().String("cwd", "", "Working directory for the forked session")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, sess *session.Client) error {
				if err := sess.Delete(ctx, args[0]); err != nil {
					return err
				}
				if path, err := config.DefaultHistoryPath(); err == nil {
					if store, err := history.Open(path); err == nil {
						store.DeleteSession(args[0])
						store.Close()
					}
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}
