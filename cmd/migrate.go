package cmd

import (
	"fmt"

	"example.com/backstage/services/fleet/internal/core"
	"example.com/backstage/services/fleet/internal/infrastructure"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database DSN is required for migrations")
	}

	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("Migrating models...")

	models := []interface{}{
		&core.Device{},
		&core.FirmwareVersion{},
		&core.RolloutPolicy{},
		&core.Measurement{},
		&core.Alert{},
		&core.APIKey{},
		&core.FleetSettings{},
	}

	for _, model := range models {
		if err := db.DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	if err := insertDefaultData(db); err != nil {
		logger.WithError(err).Warn("Failed to insert default data")
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertDefaultData(db *infrastructure.Database) error {
	var count int64
	if err := db.DB.Model(&core.FleetSettings{}).Count(&count).Error; err != nil {
		return err
	}

	if count == 0 {
		logger.Info("Inserting default fleet settings...")
		settings := core.FleetSettings{
			NumDevices:            50,
			SampleIntervalSecs:    5,
			UploadIntervalSecs:    30,
			HeartbeatIntervalSecs: 15,
		}
		if err := db.DB.Create(&settings).Error; err != nil {
			logger.WithError(err).Warn("Failed to create fleet settings")
		}
	}

	if err := db.DB.Model(&core.APIKey{}).Count(&count).Error; err != nil {
		return err
	}

	if count == 0 && !isProduction() {
		logger.Info("Creating default API keys...")

		keys := []core.APIKey{
			{
				Key:         "test-admin-key",
				Description: "Admin key for testing",
				Permissions: []string{"admin"},
			},
			{
				Key:         "test-operator-key",
				Description: "Rollout operator key for testing",
				Permissions: []string{"firmware:read", "policies:read", "policies:write", "rollouts:read", "alerts:read"},
			},
		}

		for _, key := range keys {
			if err := db.DB.Create(&key).Error; err != nil {
				logger.WithError(err).Warn("Failed to create test key")
			} else {
				logger.WithField("description", key.Description).Info("Created test key")
			}
		}
	}

	return nil
}

func isProduction() bool {
	return cfg.Server.Port == 80 || cfg.Server.Port == 443
}
