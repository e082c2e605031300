package main

import (
	"github.com/spf13/cobra"

	"github.com/fllarpy/request-profiler/pkg/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "profiler",
		Short:         "Run and inspect the request profiler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: profiler.yaml in . or /etc/request-profiler)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newDumpCmd(opts),
		newTruncateCmd(opts),
	)
	return rootCmd
}

// load reads the file named by --config, or searches the default locations.
func (o *rootOptions) load() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load(".", "/etc/request-profiler")
	}
	if err != nil {
		return config.Config{}, err
	}
	return cfg.WithDefaults(), nil
}
