package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datallboy/nzbengine/internal/app"
	"github.com/datallboy/nzbengine/internal/infra/config"
	"github.com/datallboy/nzbengine/internal/infra/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "nzbengine",
		Short:         "Usenet download engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	root.AddCommand(
		downloadCmd(),
		listCmd(),
		groupCmd(),
		headersCmd(),
		testCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config and opens the log.
func setup() (*app.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return app.NewContext(cfg, log), nil
}
