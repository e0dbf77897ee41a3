package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay backend commands",
}

var relayCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify relay credentials and destination access",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if !cfg.RelayConfigured() {
			return errors.New("RELAY_BOT_TOKEN and RELAY_CHAT_ID must be set")
		}
		client, err := newRelayClient(cfg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		creds := client.VerifyCredentials(cmd.Context())
		fmt.Fprintf(out, "credentials: %s\n", okOrFailed(creds))
		if !creds {
			return errors.New("relay check failed")
		}
		dest := client.VerifyDestinationAccess(cmd.Context())
		fmt.Fprintf(out, "destination: %s\n", okOrFailed(dest))
		if !dest {
			return errors.New("relay check failed")
		}
		return nil
	},
}

func okOrFailed(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}

func init() {
	relayCmd.AddCommand(relayCheckCmd)
	rootCmd.AddCommand(relayCmd)
}
