package offline

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"cfedge/internal/config"
	"cfedge/internal/metrics"
)

// FromConfig opens the configured storage and builds a worker on top of it.
// The caller runs Install and Activate, and closes the returned storage after
// the worker.
func FromConfig(cfg config.Offline, network Network, logger zerolog.Logger, reg *metrics.Registry) (*Worker, Storage, error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	if network == nil {
		network = &http.Client{Timeout: 30 * time.Second}
	}

	w, err := NewWorker(Options{
		Origin:      cfg.Origin,
		CacheName:   cfg.CacheName,
		Precache:    cfg.Precache,
		OfflinePage: cfg.OfflinePage,
		Policies:    DefaultPolicies(cfg.APIMarker),
		Sitemaps:    cfg.Sitemaps,
		Network:     network,
		Storage:     storage,
		Logger:      logger,
		Metrics:     reg,
	})
	if err != nil {
		_ = storage.Close()
		return nil, nil, err
	}
	for _, tag := range cfg.SyncTags {
		w.RegisterSync(tag, nil)
	}
	logger.Info().
		Str("origin", cfg.Origin).
		Str("cache", cfg.CacheName).
		Str("storage", cfg.Storage.Kind).
		Strs("precache", cfg.Precache).
		Strs("syncTags", w.sync.Tags()).
		Msg("offline cache configured")
	return w, storage, nil
}

func openStorage(cfg config.Offline) (Storage, error) {
	switch cfg.Storage.Kind {
	case config.StorageLevelDB:
		return OpenLevelStorage(cfg.Storage.Path, cfg.StorageMaxBytes())
	case config.StorageMemory, "":
		return NewMemoryStorage(), nil
	}
	return nil, errors.Errorf("unknown storage kind %q", cfg.Storage.Kind)
}
