package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cfedge/internal/config"
	"cfedge/internal/gatekeeper"
	"cfedge/internal/logging"
	"cfedge/internal/metrics"
	"cfedge/internal/offline"
	"cfedge/internal/upstream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("CFEDGE_CONFIG", "/cfedge.yaml"), "path to cfedge.yaml")
	flag.Parse()

	boot := logging.New(os.Stderr, zerolog.InfoLevel)
	cfg, err := config.Load(configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	logger := logging.New(os.Stderr, cfg.Logging.ZerologLevel())
	reg := metrics.New()

	gk, storeCloser := gatekeeper.FromConfig(cfg, logger.With().Str("component", "gatekeeper").Logger(), reg)
	defer storeCloser.Close()
	fwd := upstream.NewForwarder(cfg.Server.Origin, nil, logger.With().Str("component", "upstream").Logger())

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, reg.Handler())
	mux.Handle("/", gk.Handler(fwd))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []*http.Server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}
	servers = append(servers, serve(stop, logger, ln, mux))
	logger.Info().
		Str("addr", addr).
		Str("origin", cfg.Server.Origin).
		Str("environment", cfg.Environment).
		Bool("production", cfg.IsProduction()).
		Msg("cfedge listening")

	var workers sync.WaitGroup
	if cfg.Offline.Listen != "" {
		olog := logger.With().Str("component", "offline").Logger()
		worker, storage, err := offline.FromConfig(cfg.Offline, nil, olog, reg)
		if err != nil {
			logger.Fatal().Err(err).Msg("init offline cache")
		}
		defer storage.Close()
		defer worker.Close()

		front := offline.NewFront(worker, olog)
		oln, err := net.Listen("tcp", cfg.Offline.Listen)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Offline.Listen).Msg("listen")
		}
		servers = append(servers, serve(stop, olog, oln, front))

		workers.Add(2)
		go func() {
			defer workers.Done()
			lifecycle(ctx, worker, olog)
		}()
		go func() {
			defer workers.Done()
			front.RunStats(ctx, cfg.Logging.StatsInterval())
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	workers.Wait()
}

// serve runs h on ln until Shutdown. Request contexts do not derive from the
// signal context, so Shutdown can drain in-flight requests.
func serve(stop context.CancelFunc, logger zerolog.Logger, ln net.Listener, h http.Handler) *http.Server {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("server error")
			stop()
		}
	}()
	return srv
}

// lifecycle installs and activates the worker. Until it is active the front
// passes every request straight to the network.
func lifecycle(ctx context.Context, w *offline.Worker, logger zerolog.Logger) {
	ictx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := w.Install(ictx); err != nil {
		logger.Error().Err(err).Msg("offline cache stays in pass-through mode")
		return
	}
	if err := w.Activate(ictx); err != nil {
		logger.Error().Err(err).Msg("activate")
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
