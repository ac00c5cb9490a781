package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/goip-relay/goip-relay/cli/internal/client"
	"github.com/goip-relay/goip-relay/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "GOIP relay operator CLI",
	Long: `relayctl is the command-line interface for the GOIP SMS relay.

Parse gateway payloads locally, encode and decode port tokens, send test
messages, seed a relay with realistic traffic and inspect forwarding
subscriptions.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.relayctl/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use")
	rootCmd.PersistentFlags().StringP("output", "o", "", "output format: table, json, yaml")
	rootCmd.PersistentFlags().String("server", "", "relay base URL (overrides the profile)")
	rootCmd.PersistentFlags().Duration("timeout", 15*time.Second, "HTTP timeout")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return cfg.OutputFormat(format)
}

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	profile, _ := cmd.Flags().GetString("profile")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return client.New(cfg.ServerURL(server, profile), timeout)
}
