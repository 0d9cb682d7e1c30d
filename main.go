package main

import (
	"fmt"
	"opti-frame-go/config"
	"opti-frame-go/logging"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "optiframe",
	Short:         "Lazy columnar queries over CSV and Parquet files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := config.Decode(configPath); err != nil {
				return err
			}
		}
		if err := config.LoadSecrets(); err != nil {
			return err
		}
		cfg := config.GetConfig()
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "yaml file merged over the default config")
	rootCmd.AddCommand(newScanCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
