package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mohammad-safakhou/djen/config"
)

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:           "djen",
		Short:         "Gazette notice ingestion service and relay proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")

	root.AddCommand(serveCMD(&cfgPath), proxyCMD(&cfgPath), extractCMD(&cfgPath), migrateCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. Without --config a missing file falls
// back to defaults and DJEN_* environment variables.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return config.Default()
	}
	return cfg, err
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.General.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}
