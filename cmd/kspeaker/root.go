package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kspeaker",
	Short: "kspeaker - token-driven audio player controller",
	Long: `kspeaker runs the control loop of a token-driven audio player: scanned
tokens select a track on a Mopidy backend, buttons control playback and
voice recording, and parental policy limits volume, hours and daily time.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to run command when no subcommand is provided
		return runDevice(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/kspeaker/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
