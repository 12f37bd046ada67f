package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/perch-dev/perch/internal/auth"
	"github.com/perch-dev/perch/internal/config"
)

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the device token for the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := config.EnsureDir(); err != nil {
				return err
			}
			store, err := tokenStore(cfg)
			if err != nil {
				return err
			}

			token, err := readToken()
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("empty token")
			}

			if info, err := auth.Inspect(token); err == nil {
				if info.Expired() {
					return fmt.Errorf("token is already expired")
				}
				if !info.ExpiresAt.IsZero() {
					fmt.Printf("token for %s, expires %s\n", info.Subject, info.ExpiresAt.Format("2006-01-02 15:04"))
				}
			}

			if err := store.Save(token); err != nil {
				return err
			}
			fmt.Println("token saved")
			return nil
		},
	}
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Token: ")
		data, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	// Piped input, e.g. perch login < token.txt
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
