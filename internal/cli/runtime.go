package cmd

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rohmanhakim/offline-cache/internal/cache"
	"github.com/rohmanhakim/offline-cache/internal/config"
	"github.com/rohmanhakim/offline-cache/internal/controller"
	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/host"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/sirupsen/logrus"
)

// runtime holds everything a subcommand needs, built from one Config.
type runtime struct {
	cfg      config.Config
	logger   *logrus.Logger
	metrics  *prometheus.Registry
	recorder *metadata.Recorder
	storage  cache.Storage
	network  *fetcher.HttpFetcher
	closers  []io.Closer
}

func newRuntime(cfg config.Config, workerId string, logOut io.Writer) (*runtime, error) {
	logger := logrus.New()
	logger.SetOutput(logOut)
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel())
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %s", config.ErrInvalidConfig, err.Error())
	}
	logger.SetLevel(level)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := metadata.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	recorder := metadata.NewRecorder(workerId, logger).WithMetrics(metrics)

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  registry,
		recorder: &recorder,
		network:  fetcher.NewHttpFetcher(&recorder, cfg.UserAgent()),
	}
	if err := rt.openStorage(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openStorage() error {
	switch rt.cfg.StorageBackend() {
	case config.StorageDisk:
		storage, err := cache.NewDiskStorage(rt.cfg.StoragePath(), rt.cfg.HashAlgo(), rt.recorder)
		if err != nil {
			return fmt.Errorf("open disk storage: %w", err)
		}
		rt.storage = storage
	case config.StorageSQLite:
		storage, err := cache.OpenSQLiteStorage(rt.cfg.StoragePath(), rt.recorder)
		if err != nil {
			return fmt.Errorf("open sqlite storage: %w", err)
		}
		rt.storage = storage
		rt.closers = append(rt.closers, storage)
	default:
		rt.storage = cache.NewMemoryStorage()
	}
	rt.logger.WithFields(logrus.Fields{
		"storage": rt.cfg.StorageBackend(),
		"path":    rt.cfg.StoragePath(),
	}).Debug("cache storage opened")
	return nil
}

// newController builds the controller for the configured version, bound to
// the registry that will drive its lifecycle.
func (rt *runtime) newController(registry *host.Registry) *controller.Controller {
	return controller.NewController(rt.cfg, rt.storage, rt.network, registry, rt.recorder)
}

func (rt *runtime) Close() error {
	var firstErr error
	for _, c := range rt.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
