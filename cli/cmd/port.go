package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/goip-relay/goip-relay/cli/pkg/output"
	"github.com/goip-relay/goip-relay/relay/pkg/goip"
)

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Port token commands",
	Long:  "Encode and decode the {deviceId}-{slot}.01 tokens gateways put in the Receiver line",
}

var portEncodeCmd = &cobra.Command{
	Use:     "encode <deviceId> <slotIndex>",
	Short:   "Build a port token from a device id and a 0-based slot index",
	Example: `  relayctl port encode abc123 1    # abc123-2.01`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := strconv.Atoi(args[1])
		if err != nil || slot < 0 {
			return fmt.Errorf("slot index must be a non-negative integer, got %q", args[1])
		}
		if err := goip.ValidateDeviceID(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), goip.EncodePort(args[0], slot))
		return nil
	},
}

var portDecodeCmd = &cobra.Command{
	Use:     "decode <token>",
	Short:   "Split a port token into device id and slot",
	Example: `  relayctl port decode abc123-2.01`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dc, ok := goip.DecodePort(args[0])
		if !ok {
			return fmt.Errorf("%q is not a port token; the relay treats it as a flat device id", args[0])
		}
		return output.Print(outputFormat(cmd), dc, func() *output.Table {
			t := output.NewTable("DEVICE", "SLOT", "SUBSLOT")
			t.AddRow(dc.DeviceID, strconv.Itoa(dc.SlotIndex), dc.SubSlot)
			return t
		})
	},
}

func init() {
	rootCmd.AddCommand(portCmd)
	portCmd.AddCommand(portEncodeCmd, portDecodeCmd)
}
