// Package di provides dependency injection configuration for fswatch.
package di

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/fswatch/internal/config"
	"github.com/listenupapp/fswatch/internal/di/providers"
	"github.com/listenupapp/fswatch/internal/logger"
	"github.com/listenupapp/fswatch/internal/metrics"
)

// NewContainer creates and configures the DI container with all providers.
// Services are built lazily, so commands only pay for what they invoke.
func NewContainer(cfg *config.Config) *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.ProvideValue(injector, cfg)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideMetrics)

	// Watching and storage
	do.Provide(injector, providers.ProvideRegistry)
	do.Provide(injector, providers.ProvideCatalog)

	// Server
	do.Provide(injector, providers.ProvideSSEManager)
	do.Provide(injector, providers.ProvideRateLimiter)
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes every service the HTTP server needs and starts it.
func Bootstrap(injector *do.RootScope) (*providers.HTTPServerHandle, error) {
	if _, err := do.Invoke[*logger.Logger](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*metrics.Metrics](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*providers.RegistryHandle](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*providers.CatalogHandle](injector); err != nil {
		return nil, err
	}
	if _, err := do.Invoke[*providers.SSEManagerHandle](injector); err != nil {
		return nil, err
	}
	return do.Invoke[*providers.HTTPServerHandle](injector)
}
