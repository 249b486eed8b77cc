package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go-droidagent/internal/pairing"
)

var pairCmd = &cobra.Command{
	Use:   "pair <orchestrator-url> <code>",
	Short: "Redeem a pairing code and print the device credential.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := json.Marshal(map[string]string{"code": args[1]})
		client := &http.Client{Timeout: 15 * time.Second}
		resp, err := client.Post(strings.TrimRight(args[0], "/")+"/pairing/claim", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("claim: orchestrator answered %s", resp.Status)
		}

		var claim pairing.Claim
		if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bridge:\n  server: %s\n  credential: %s\n# device id %s\n", claim.Endpoint, claim.Credential, claim.DeviceID)
		return nil
	},
}
