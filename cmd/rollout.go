package cmd

import (
	"context"
	"fmt"

	"example.com/backstage/services/fleet/internal/core"
	"example.com/backstage/services/fleet/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	rolloutVersion     string
	rolloutRegion      string
	rolloutHardwareRev string
	rolloutEnv         string
	rolloutPhase       string
	rolloutPercent     int
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Inspect and control rollout policies from the command line",
	Long: `Operates directly against the database, bypassing the API server.
Useful when the server is down or during an incident.`,
}

var rolloutStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the rollout state of a firmware version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRolloutServices(func(ctx context.Context, services *core.Services) error {
			status, err := services.RolloutStatus(ctx, rolloutVersion)
			if err != nil {
				return err
			}

			logger.WithFields(logrus.Fields{
				"version":    status.Version,
				"status":     status.Status,
				"devices_on": status.DevicesOn,
			}).Info("Rollout status")

			for _, p := range status.Policies {
				logger.WithFields(logrus.Fields{
					"region":         p.Region,
					"hardware_rev":   p.HardwareRev,
					"environment":    p.Environment,
					"phase":          p.Phase,
					"target_percent": p.TargetPercent,
					"revision":       p.Revision,
				}).Info("Policy")
			}

			if status.FailureSamples > 0 {
				logger.WithFields(logrus.Fields{
					"failure_rate": status.FailureRate,
					"samples":      status.FailureSamples,
				}).Info("Failure rate")
			}
			return nil
		})
	},
}

var rolloutSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the phase and target percent for a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRolloutServices(func(ctx context.Context, services *core.Services) error {
			policy, err := services.Policies.SetPolicy(ctx, rolloutVersion, rolloutScope(), rolloutPhase, rolloutPercent)
			if err != nil {
				return err
			}
			logPolicyResult(policy, "Policy updated")
			return nil
		})
	},
}

var rolloutAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Advance a policy to its next phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRolloutServices(func(ctx context.Context, services *core.Services) error {
			policy, err := services.Policies.AdvancePhase(ctx, rolloutVersion, rolloutScope())
			if err != nil {
				return err
			}
			logPolicyResult(policy, "Policy advanced")
			return nil
		})
	},
}

var rolloutHaltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Halt a rollout (no further devices receive the version)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRolloutServices(func(ctx context.Context, services *core.Services) error {
			policy, err := services.Policies.Halt(ctx, rolloutVersion, rolloutScope())
			if err != nil {
				return err
			}
			logPolicyResult(policy, "Rollout halted")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(rolloutCmd)
	rolloutCmd.AddCommand(rolloutStatusCmd, rolloutSetCmd, rolloutAdvanceCmd, rolloutHaltCmd)

	rolloutCmd.PersistentFlags().StringVarP(&rolloutVersion, "version", "v", "", "Firmware version (required)")
	rolloutCmd.PersistentFlags().StringVarP(&rolloutRegion, "region", "r", "", "Region scope (default: all)")
	rolloutCmd.PersistentFlags().StringVar(&rolloutHardwareRev, "hardware", "", "Hardware revision scope (default: all)")
	rolloutCmd.PersistentFlags().StringVar(&rolloutEnv, "environment", "", "Environment scope (default: all)")
	rolloutCmd.MarkPersistentFlagRequired("version")

	rolloutSetCmd.Flags().StringVar(&rolloutPhase, "phase", core.PhaseCanary, "Rollout phase")
	rolloutSetCmd.Flags().IntVar(&rolloutPercent, "percent", 0, "Target percent of the scope population")
}

func rolloutScope() core.PolicyScope {
	return core.PolicyScope{
		Region:      rolloutRegion,
		HardwareRev: rolloutHardwareRev,
		Environment: rolloutEnv,
	}.Normalize()
}

func logPolicyResult(p *core.RolloutPolicy, msg string) {
	logger.WithFields(logrus.Fields{
		"version":        p.Version,
		"region":         p.Region,
		"hardware_rev":   p.HardwareRev,
		"environment":    p.Environment,
		"phase":          p.Phase,
		"target_percent": p.TargetPercent,
		"revision":       p.Revision,
	}).Info(msg)
}

// withRolloutServices builds a minimal service stack over a direct database
// connection and runs fn against it.
func withRolloutServices(fn func(ctx context.Context, services *core.Services) error) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database DSN is required for rollout commands")
	}

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	services := core.NewServices(core.ServiceConfig{
		Store:     core.NewRepository(db.DB),
		Logger:    logger,
		Telemetry: cfg.Telemetry,
		Alerts:    cfg.Alerts,
	})

	return fn(context.Background(), services)
}
