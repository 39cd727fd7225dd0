package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nomis52/goactivity/buildinfo"
	"github.com/nomis52/goactivity/server/cron"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the selectors that can be run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg := catalog()
			specs, err := parseSchedules(cfg.Schedules, reg)
			if err != nil {
				return err
			}
			schedules := make(map[string][]string)
			for _, spec := range specs {
				for _, sel := range spec.Selectors {
					schedules[sel] = append(schedules[sel], spec.CronSpec)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, bold("Selectors"))
			for _, sel := range reg.Selectors() {
				line := "  " + accent(sel)
				if _, ok := cfg.Machines[sel]; ok {
					line += " " + muted("(configured)")
				}
				if s := schedules[sel]; len(s) > 0 {
					line += " " + muted("schedule: "+strings.Join(s, ", "))
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("config flag (-c or --config) is required")
			}
			reg := catalog()
			if _, err := parseSchedules(cfg.Schedules, reg); err != nil {
				return fmt.Errorf("invalid schedules: %w", err)
			}
			for sel := range cfg.Machines {
				if !reg.Has(sel) {
					return fmt.Errorf("machines: unknown selector %q", sel)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("Configuration validation successful: %s", path))
			return nil
		},
	}
}

// parseSchedules parses spec, an empty spec has no schedules.
func parseSchedules(spec string, reg cron.Catalog) ([]cron.TriggerSpec, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	return cron.ParseTriggerSpecs(spec, reg)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			props := buildinfo.Get()
			fmt.Fprint(cmd.OutOrStdout(), keyValues("",
				kv("Built", props.BuildTime),
				kv("Commit", props.GitCommit),
				kv("Go", props.GoVersion),
			))
		},
	}
}
