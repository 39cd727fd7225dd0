package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nomis52/goactivity/builder"
	"github.com/nomis52/goactivity/config"
	"github.com/nomis52/goactivity/demo"
	"github.com/nomis52/goactivity/locks"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "goactivity",
		Short:         "Run and inspect activity machines",
		Long:          "goactivity runs the activity machines of the simulated lab without the server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to config file")

	root.AddCommand(newRunCmd(), newListCmd(), newValidateCmd(), newVersionCmd())
	return root
}

// loadConfig returns the config named by --config, or the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// catalog returns a registry of the lab selectors that is never executed.
func catalog() *builder.Registry {
	reg := builder.NewRegistry()
	demo.Register(reg, demo.NewLab(locks.NewMemory()))
	return reg
}
