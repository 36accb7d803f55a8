package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	collab "github.com/montarion/VantageNotes-sub000"
	"github.com/montarion/VantageNotes-sub000/persistence"
	"github.com/montarion/VantageNotes-sub000/utils"
)

func main() {
	var (
		listen    = flag.String("listen", ":8765", "address to serve websocket sync and HTTP on")
		backend   = flag.String("persistence", "kv", "delta log backend: kv, sqlite or none")
		sqlite    = flag.String("sqlite", "collab.db", "sqlite database path (persistence=sqlite)")
		pebbleDir = flag.String("pebble", "collab.pebble", "pebble directory (persistence=kv)")
		threshold = flag.Int("compact-threshold", persistence.DefaultCompactThreshold, "per-document row count that triggers log compaction")
		notesDir  = flag.String("notes-dir", "", "mirror documents to flat files in this directory (empty disables)")
		metrics   = flag.Bool("metrics", false, "expose prometheus metrics on /metrics")
		durable   = flag.Bool("durable", false, "fsync every delta log write")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := utils.NewDefaultLogger(level)

	if err := run(logger, config{
		listen:    *listen,
		backend:   *backend,
		sqlite:    *sqlite,
		pebbleDir: *pebbleDir,
		threshold: *threshold,
		notesDir:  *notesDir,
		metrics:   *metrics,
		durable:   *durable,
	}); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

type config struct {
	listen    string
	backend   string
	sqlite    string
	pebbleDir string
	threshold int
	notesDir  string
	metrics   bool
	durable   bool
}

func openLog(cfg config, logger utils.Logger) (persistence.Log, error) {
	opts := persistence.Options{
		CompactThreshold: cfg.threshold,
		Durable:          cfg.durable,
		Logger:           logger,
	}
	switch cfg.backend {
	case "kv":
		return persistence.OpenPebble(cfg.pebbleDir, opts)
	case "sqlite":
		return persistence.OpenSQLite(cfg.sqlite, opts)
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown persistence backend %q", cfg.backend)
}

func run(logger utils.Logger, cfg config) error {
	log, err := openLog(cfg, logger)
	if err != nil {
		return err
	}
	if log != nil {
		defer func() { _ = log.Close() }()
	}

	var m *collab.Metrics
	reg := prometheus.NewRegistry()
	if cfg.metrics {
		m = collab.NewMetrics(reg)
	}

	store := collab.NewStore(collab.Options{Log: log, Logger: logger, Metrics: m})
	rooms := collab.NewRooms(store, logger, m)
	server := collab.NewServer(store, rooms, logger, m)

	var bridge *collab.Bridge
	if cfg.notesDir != "" {
		bridge, err = collab.NewBridge(store, rooms, cfg.notesDir, logger)
		if err != nil {
			return err
		}
		defer func() { _ = bridge.Close() }()
		bridge.Mount(server.Router())
		if err := bridge.Watch(); err != nil {
			return err
		}
		logger.Info("mirroring documents", "dir", cfg.notesDir)
	}

	if cfg.metrics {
		reg.MustRegister(collab.NewCoreCollector(store, rooms))
		if p, ok := log.(*persistence.PebbleLog); ok {
			reg.MustRegister(p.Collector())
		}
		server.Router().Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{Addr: cfg.listen, Handler: server}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.listen, "persistence", cfg.backend)
		errc <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown", "err", err)
	}
	store.Close() // drain pending delta log writes
	return nil
}
