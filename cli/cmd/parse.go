package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/goip-relay/goip-relay/cli/pkg/output"
	"github.com/goip-relay/goip-relay/relay/pkg/goip"
)

// parsedView is the parser result plus the decoded port, when it decodes.
type parsedView struct {
	goip.ParsedMessage `yaml:",inline"`
	Device             *goip.DeviceContext `json:"device,omitempty" yaml:"device,omitempty"`
}

var parseCmd = &cobra.Command{
	Use:   "parse [file|-]",
	Short: "Parse a gateway payload locally",
	Long:  "Run the relay's payload parser and port decoder without contacting a relay",
	Example: `  relayctl parse payload.txt
  printf 'Sender: +919876543210\nReceiver: "abc123-2.01" 919334198143\nHello' | relayctl parse -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, args)
		if err != nil {
			return err
		}

		payloads := []string{raw}
		if goip.IsBatch(raw) {
			payloads = goip.SplitBatch(raw)
		}

		views := make([]parsedView, 0, len(payloads))
		for _, p := range payloads {
			msg, err := goip.Parse(p)
			if err != nil {
				return fmt.Errorf("parse error: %w", err)
			}
			v := parsedView{ParsedMessage: *msg}
			if dc, ok := goip.DecodePort(msg.Port); ok {
				v.Device = &dc
			}
			views = append(views, v)
		}

		var result any = views
		if len(views) == 1 {
			result = views[0]
		}
		return output.Print(outputFormat(cmd), result, func() *output.Table {
			t := output.NewTable("SENDER", "RECEIVER", "PORT", "DEVICE", "SLOT", "TIME", "BODY")
			for _, v := range views {
				device, slot := "-", "-"
				if v.Device != nil {
					device, slot = v.Device.DeviceID, strconv.Itoa(v.Device.SlotIndex)
				}
				t.AddRow(v.Sender, v.Receiver, v.Port, device, slot, v.OccurredAt.Format(time.RFC3339), v.Body)
			}
			return t
		})
	},
}

// readInput returns the named file, or stdin for "-" or no argument.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func init() {
	rootCmd.AddCommand(parseCmd)
}
