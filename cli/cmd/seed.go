package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/goip-relay/goip-relay/cli/internal/seeder"
	"github.com/goip-relay/goip-relay/cli/pkg/output"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Send realistic synthetic traffic to a relay",
	Long: `Generate GOIP uploads from a fixed set of fake gateways and send them to
the relay. Use --batch to exercise the multi-message upload path.`,
	Example: `  relayctl seed --count 100 --devices 5
  relayctl seed --count 1000 --batch 20 --interval 50ms`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		devices, _ := cmd.Flags().GetInt("devices")
		slots, _ := cmd.Flags().GetInt("slots")
		batch, _ := cmd.Flags().GetInt("batch")
		interval, _ := cmd.Flags().GetDuration("interval")
		seed, _ := cmd.Flags().GetInt64("seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		gen := seeder.NewGenerator(seed, devices, slots)
		runner := seeder.NewRunner(gen, newClient(cmd), seeder.Config{
			Count:     count,
			BatchSize: batch,
			Interval:  interval,
		})
		runner.OnError = func(err error) { output.Error("%v", err) }

		output.Info("Seeding %d messages from devices %v", count, gen.Devices())
		sum, err := runner.Run(cmd.Context())
		if err != nil {
			return err
		}

		return output.Print(outputFormat(cmd), sum, func() *output.Table {
			t := output.NewTable("REQUESTS", "ACCEPTED", "REJECTED", "ERRORS")
			t.AddRow(itoa(sum.Requests), itoa(sum.Accepted), itoa(sum.Rejected), itoa(sum.Errors))
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().Int("count", 10, "number of messages to send")
	seedCmd.Flags().Int("devices", 3, "number of fake gateways")
	seedCmd.Flags().Int("slots", 4, "SIM slots per gateway")
	seedCmd.Flags().Int("batch", 0, "messages per request (0 sends one at a time)")
	seedCmd.Flags().Duration("interval", 0, "pause between requests")
	seedCmd.Flags().Int64("seed", 0, "random seed (0 picks one)")
}
