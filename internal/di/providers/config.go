// Package providers contains dependency injection providers for fswatch.
package providers

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/fswatch/internal/config"
	"github.com/listenupapp/fswatch/internal/logger"
)

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Format:    cfg.Logger.Format,
		Level:     logger.ParseLevel(cfg.Logger.Level),
		AddSource: cfg.App.Environment == "development",
	})

	log.Debug("Logger configured",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"backend", cfg.Watch.Backend,
	)

	return log, nil
}
