// Package cmd provides the CLI commands for dap-streamd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dap-stream/dap-stream/internal/dapconfig"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dap-streamd",
	Short: "dap-streamd - pluggable encrypted stream-transport server",
	Long: `dap-streamd accepts client connections over HTTP, WebSocket, or UDP
and carries them through the handshake / session-create / streaming
lifecycle over an encrypted, multi-channel packet stream.

Quick start:
  1. Create a config file: dap-stream.yaml
  2. Run: dap-streamd start

Configuration:
  Config is loaded from dap-stream.yaml in the current directory,
  $HOME/.dap-stream/, or /etc/dap-stream/.

  Environment variables can override config values with the DAP_STREAM_
  prefix. Example: DAP_STREAM_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the stream-transport server
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
