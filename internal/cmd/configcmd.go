package cmd

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/lflish/claude-agent-http/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Never echo secrets.
			cfg.API.APIKey = redact(cfg.API.APIKey)
			cfg.Storage.Postgres.Password = redact(cfg.Storage.Postgres.Password)

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "<redacted>"
}
