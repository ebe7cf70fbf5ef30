package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/facilitator"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the configured facilitator",
	RunE: func(cmd *cobra.Command, args []string) error {
		payCfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := facilitator.NewFromConfig(payCfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), constants.HealthCheckTimeout)
		defer cancel()

		if !c.HealthCheck(ctx) {
			fmt.Fprintf(cmd.OutOrStdout(), "facilitator %s: unhealthy\n", c.URL())
			return errors.New("facilitator unhealthy")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "facilitator %s: healthy\n", c.URL())

		if supported, err := c.Supported(ctx); err == nil {
			for _, kind := range supported.Kinds {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s on %s\n", kind.Scheme, kind.Network)
			}
		}
		return nil
	},
}
