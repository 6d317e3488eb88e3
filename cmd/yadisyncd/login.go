package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nordkyrie/yadisksync/internal/auth"
	"github.com/nordkyrie/yadisksync/internal/config"
)

func tokenPath() string {
	return config.DefaultConfigDir() + "/token.json"
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize yadisyncd against the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			clientID := os.Getenv(envClientID)
			clientSecret := os.Getenv(envClientSecret)

			if clientID == "" {
				return fmt.Errorf("%s must be set (register an OAuth application first)", envClientID)
			}

			display := func(authURL string) {
				fmt.Fprintln(cmd.OutOrStdout(), "Open this URL in a browser and authorize access:")
				fmt.Fprintln(cmd.OutOrStdout(), authURL)
				fmt.Fprint(cmd.OutOrStdout(), "Paste the verification code here: ")
			}

			readCode := func() (string, error) {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					return "", scanner.Err()
				}

				return strings.TrimSpace(scanner.Text()), nil
			}

			return auth.Login(cmd.Context(), clientID, clientSecret, tokenPath(), display, readCode, logger)
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved authorization token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return auth.Logout(tokenPath())
		},
	}
}
