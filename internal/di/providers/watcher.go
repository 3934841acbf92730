package providers

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/fswatch/internal/catalog"
	"github.com/listenupapp/fswatch/internal/config"
	"github.com/listenupapp/fswatch/internal/logger"
	"github.com/listenupapp/fswatch/internal/metrics"
	"github.com/listenupapp/fswatch/internal/watcher"
)

// RegistryHandle wraps watcher.Registry with Shutdownable.
type RegistryHandle struct {
	*watcher.Registry
}

// Shutdown implements do.Shutdownable.
func (h *RegistryHandle) Shutdown() error {
	return h.Close()
}

// CatalogHandle wraps catalog.Catalog with Shutdownable.
type CatalogHandle struct {
	*catalog.Catalog
}

// Shutdown implements do.Shutdownable.
func (h *CatalogHandle) Shutdown() error {
	return h.Close()
}

// ProvideMetrics provides the Prometheus collectors.
func ProvideMetrics(_ do.Injector) (*metrics.Metrics, error) {
	return metrics.New(), nil
}

// ProvideRegistry provides the watcher registry.
func ProvideRegistry(i do.Injector) (*RegistryHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	registry := watcher.NewRegistry(log.Logger, watcher.RegistryOptions{
		Quantum:        cfg.Watch.Quantum,
		WatchmanSocket: cfg.Watch.WatchmanSocket,
		Metrics:        m,
	})

	return &RegistryHandle{Registry: registry}, nil
}

// ProvideCatalog provides the snapshot catalog.
func ProvideCatalog(i do.Injector) (*CatalogHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	c, err := catalog.Open(cfg.Catalog.Path, log.Logger)
	if err != nil {
		return nil, err
	}
	return &CatalogHandle{Catalog: c}, nil
}

// WatchDefaults returns the subscription options configured for every watch.
func WatchDefaults(cfg *config.Config) watcher.Options {
	return watcher.Options{
		Backend:     watcher.BackendType(cfg.Watch.Backend),
		Ignore:      cfg.Watch.Ignore,
		IgnoreGlobs: cfg.Watch.IgnoreGlobs,
	}
}
