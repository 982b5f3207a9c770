package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rohmanhakim/offline-cache/internal/host"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the configured controller and serve the site through it.",
	Long: `serve installs and activates the configured controller version, then
listens for HTTP requests and answers them for the origin: cache first, then
the network, then the offline page.

An install failure is logged and the server keeps running; until a controller
is active every request goes straight to the network.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := InitConfigWithError()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, "serve", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registry := host.NewRegistry(rt.recorder)
		// already logged; without a controller requests go straight upstream
		_ = registerController(ctx, rt, registry)

		server := &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           newServeMux(rt, registry),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- server.ListenAndServe()
		}()
		rt.logger.WithField("addr", cfg.ListenAddr()).Info("listening")

		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		rt.logger.Info("server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// registerController installs the configured version. The outcome is only
// logged: a failed install leaves the previous controller, if any, in charge.
func registerController(ctx context.Context, rt *runtime, registry *host.Registry) error {
	entry := rt.logger.WithFields(logrus.Fields{
		"version": rt.cfg.Version(),
		"cache":   rt.cfg.CacheName(),
	})
	if err := registry.Register(ctx, rt.newController(registry)); err != nil {
		entry.WithError(err).Error("Failure!")
		return err
	}
	origin := rt.cfg.Origin()
	entry.WithField("scope", origin.String()).Info("Success!")
	return nil
}

func newServeMux(rt *runtime, registry *host.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}))
	mux.Handle("/", accessLog(rt.logger, host.NewHandler(registry, rt.cfg.Origin(), rt.network, rt.recorder)))
	return mux
}
