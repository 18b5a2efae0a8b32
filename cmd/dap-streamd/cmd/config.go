package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dap-stream/dap-stream/internal/dapconfig"
)

var configOutPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and generate dap-streamd configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default dap-stream.yaml to the current directory",
	Long: `init writes a config file containing every key dap-streamd and
dap-stream-client recognize (§6), set to the same defaults
dapconfig.SetDefaults applies when a key is absent, as a starting point
for local edits.`,
	RunE: runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
	configInitCmd.Flags().StringVar(&configOutPath, "out", "dap-stream.yaml", "path to write")
}

func runConfigInit(cmdline *cobra.Command, args []string) error {
	if _, err := os.Stat(configOutPath); err == nil {
		return fmt.Errorf("config init: %s already exists, remove it first", configOutPath)
	}

	var cfg dapconfig.Config
	cfg.SetDefaults()

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("config init: marshal defaults: %w", err)
	}
	if err := os.WriteFile(configOutPath, out, 0o644); err != nil {
		return fmt.Errorf("config init: write %s: %w", configOutPath, err)
	}
	fmt.Fprintf(cmdline.OutOrStdout(), "wrote %s\n", configOutPath)
	return nil
}
