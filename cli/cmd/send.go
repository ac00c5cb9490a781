package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goip-relay/goip-relay/cli/pkg/output"
)

var sendCmd = &cobra.Command{
	Use:   "send [file|-]",
	Short: "Post a raw payload to the relay",
	Long:  "Send a gateway payload to the relay's ingestion endpoint exactly as a device would",
	Example: `  relayctl send payload.txt --server http://relay:8080
  relayctl send -m 'Sender: +911234567890' -m 'Receiver: "abc123-1.01" 919999999999' -m 'Hello'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetStringArray("line")

		var payload string
		if len(lines) > 0 {
			payload = strings.Join(lines, "\n")
		} else {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			payload = raw
		}

		resp, err := newClient(cmd).SendSMS(cmd.Context(), payload)
		if err != nil {
			return fmt.Errorf("failed to send payload: %w", err)
		}

		format := outputFormat(cmd)
		if format != "table" {
			return output.Print(format, resp, nil)
		}
		if len(resp.MessageIDs) > 0 {
			output.Success("Batch accepted: %d stored, %d failed", resp.Processed, resp.Failed)
			for _, id := range resp.MessageIDs {
				output.Info("  %s", id)
			}
			return nil
		}
		output.Success("Message stored: %s", resp.MessageID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArrayP("line", "m", nil, "payload line (repeatable); replaces file input")
}
