package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/goip-relay/goip-relay/cli/internal/client"
	"github.com/goip-relay/goip-relay/cli/pkg/output"
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "Forwarding subscription commands",
}

var subscriptionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook subscriptions with delivery statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		subs, err := newClient(cmd).ListSubscriptions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if len(subs) == 0 && outputFormat(cmd) == "table" {
			output.Info("No subscriptions configured")
			return nil
		}
		return output.Print(outputFormat(cmd), subs, func() *output.Table {
			t := output.NewTable("NAME", "URL", "ACTIVE", "OK", "FAILED", "RATE", "LAST USED")
			for _, s := range subs {
				lastUsed := "never"
				if s.LastUsedAt != nil {
					lastUsed = s.LastUsedAt.Local().Format(time.DateTime)
				}
				t.AddRow(s.Name, s.URL, strconv.FormatBool(s.IsActive),
					strconv.FormatInt(s.SuccessCount, 10),
					strconv.FormatInt(s.FailureCount, 10),
					fmt.Sprintf("%.1f%%", s.SuccessRate),
					lastUsed)
			}
			return t
		})
	},
}

var subscriptionsCreateCmd = &cobra.Command{
	Use:     "create <name> <url>",
	Short:   "Create a webhook subscription",
	Example: `  relayctl subscriptions create crm hooks.example.com/sms --device abc123 --retries 5`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.SubscriptionRequest{Name: args[0], URL: args[1]}
		req.DeviceIDFilter, _ = cmd.Flags().GetStringSlice("device")
		req.PhoneNumberFilter, _ = cmd.Flags().GetStringSlice("phone")
		for flag, dst := range map[string]**int{
			"retries": &req.RetryCount,
			"delay":   &req.RetryDelaySeconds,
			"timeout": &req.TimeoutSeconds,
		} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetInt(flag)
				*dst = &v
			}
		}

		sub, err := newClient(cmd).CreateSubscription(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		if outputFormat(cmd) != "table" {
			return output.Print(outputFormat(cmd), sub, nil)
		}
		output.Success("Subscription %s created (%s)", sub.Name, sub.ID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show forwarding engine counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient(cmd).ForwardingStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to fetch status: %w", err)
		}
		return output.Print(outputFormat(cmd), st, func() *output.Table {
			t := output.NewTable("IN FLIGHT", "DISPATCHED", "DELIVERED", "FAILED", "DEAD LETTERED")
			t.AddRow(strconv.FormatInt(st.InFlight, 10),
				strconv.FormatUint(st.Dispatched, 10),
				strconv.FormatUint(st.Delivered, 10),
				strconv.FormatUint(st.Failed, 10),
				strconv.FormatUint(st.DeadLettered, 10))
			return t
		})
	},
}

func itoa(n int) string { return strconv.Itoa(n) }

func init() {
	rootCmd.AddCommand(subscriptionsCmd, statusCmd)
	subscriptionsCmd.AddCommand(subscriptionsListCmd, subscriptionsCreateCmd)

	subscriptionsCreateCmd.Flags().StringSlice("device", nil, "only forward messages from these device ids")
	subscriptionsCreateCmd.Flags().StringSlice("phone", nil, "only forward messages to these receiver numbers")
	subscriptionsCreateCmd.Flags().Int("retries", 3, "retry count (0-10)")
	subscriptionsCreateCmd.Flags().Int("delay", 5, "seconds between retries (1-300)")
	subscriptionsCreateCmd.Flags().Int("timeout", 30, "per-attempt timeout in seconds (5-300)")
}
