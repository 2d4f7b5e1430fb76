package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablerelay/tablerelay/internal/auth"
	"github.com/tablerelay/tablerelay/internal/config"
	"github.com/tablerelay/tablerelay/internal/scheduler"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and whitelist without starting the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("config %s: ok (%d backends, %d jobs)\n",
				configFile, len(cfg.Backends), len(cfg.Jobs))

			if _, err := auth.NewWhitelist(cfg.WhitelistPath, 0, nil); err != nil {
				return fmt.Errorf("whitelist: %w", err)
			}
			fmt.Printf("whitelist %s: ok\n", cfg.WhitelistPath)

			for _, job := range cfg.Jobs {
				if _, err := scheduler.TranslateExpression(job.Expression); err != nil {
					return fmt.Errorf("job %q: %w", job.Name, err)
				}
			}
			if len(cfg.Jobs) > 0 {
				fmt.Printf("jobs: ok\n")
			}
			return nil
		},
	}
}
