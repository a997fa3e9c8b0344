package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/db"
	"github.com/angelmondragon/creditmeter/pkg/logger"
)

// MaybeRunDev applies migrations on startup in dev mode when the feature flag
// is enabled, or whenever the SQLite backend is in use.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.FeatureFlags.UseSQLite && (!cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate) {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	meta := map[string]any{"env": cfg.App.Env, "dir": DefaultDir, "dialect": client.Dialect()}
	ctx = logg.WithFields(ctx, meta)
	logg.Info(ctx, "running goose migrations on startup")

	if err := Run(ctx, sqlDB, client.Dialect(), DefaultDir, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "goose migrations completed")
	return nil
}
