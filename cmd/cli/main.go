package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"durakv/pkg/config"
	"durakv/pkg/core"
	"durakv/pkg/logutil"
)

var (
	configPath string
	dataDir    string
	syncMode   string

	globalStore  *core.Store
	globalLogger *zap.Logger
)

func openStore() error {
	if globalStore != nil {
		return nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Storage.Path = dataDir
	}
	if syncMode != "" {
		cfg.Storage.SyncMode = syncMode
	}
	// Metrics are only useful to a long-running process.
	cfg.Metrics.Enabled = false

	globalLogger, err = logutil.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	globalStore, err = core.Open(cfg, core.WithLogger(globalLogger))
	return err
}

func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
	if globalLogger != nil {
		globalLogger.Sync()
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "durakv",
		Short:         "Durable key-value store command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return openStore()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", "", "data directory, overrides storage.path")
	rootCmd.PersistentFlags().StringVar(&syncMode, "sync", "", "sync mode: batch or always")

	rootCmd.AddCommand(dataCommands()...)
	rootCmd.AddCommand(newShellCommand())

	err := rootCmd.Execute()
	closeStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
