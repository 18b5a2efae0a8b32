// Package cmd provides the CLI commands for dap-stream-client.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dap-stream/dap-stream/internal/dapconfig"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dap-stream-client",
	Short: "dap-stream-client - reference client for the stream-transport framework",
	Long: `dap-stream-client dials a dap-streamd server, negotiates a
handshake and session over HTTP, WebSocket or UDP, and exchanges data on
the requested channels.

Commands:
  connect     Dial a server and echo channel traffic to stdout/stderr
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./dap-stream.yaml)")
}

func initConfig() {
	dapconfig.InitViper(cfgFile)
}
