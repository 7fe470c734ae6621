// Command objectstored runs the object store engine behind its HTTP edge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/dreamsxin/objectstore/internal/config"
	"github.com/dreamsxin/objectstore/internal/httpapi"
	"github.com/dreamsxin/objectstore/internal/store"
	"github.com/dreamsxin/objectstore/internal/store/gc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "objectstored:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataDir string
		port    int
	)
	flag.StringVar(&dataDir, "data-dir", "", "override OBJSTORE_DATA_DIR")
	flag.IntVar(&port, "port", 0, "override OBJSTORE_PORT")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Port = port
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	logger = level.NewFilter(logger, parseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()

	limits := store.Limits{
		SegmentTargetBytes: cfg.SegmentTargetBytes,
		SegmentMaxObjects:  cfg.SegmentMaxObjects,
		GC: gc.Config{
			MinDeadRatio:            cfg.GcDeadRatioThreshold,
			MinDeadBytes:            1 << 30,
			SegmentRewriteDeadRatio: 0.35,
			SegmentDropDeadRatio:    0.95,
			MaxRewriteSegments:      4,
			MaxDropSegments:         cfg.GcMaxSegmentsPerRun,
		},
	}

	st, err := store.Open(cfg.DataDir, limits, logger, reg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	srv := httpapi.New(httpapi.Config{
		Store:        st,
		Logger:       logger,
		Registry:     reg,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DrainTimeout: cfg.DrainTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runMaintenance(ctx, st, cfg.CheckpointInterval, cfg.GcInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	// httpapi.Server.Shutdown applies its own DrainTimeout-bounded deadline
	// internally; this outer context only needs enough slack past that to
	// let it return, not a second independent drain budget.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "shutdown error", "err", err)
	}
	return st.Close()
}

// runMaintenance drives periodic checkpoint and GC with tickers plus a
// shutdown broadcast (ctx cancellation), rather than a goroutine per
// operation.
func runMaintenance(ctx context.Context, st *store.Store, checkpointEvery, gcEvery time.Duration, logger log.Logger) {
	ckTicker := time.NewTicker(checkpointEvery)
	gcTicker := time.NewTicker(gcEvery)
	defer ckTicker.Stop()
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ckTicker.C:
			if err := st.Checkpoint(); err != nil {
				level.Error(logger).Log("msg", "periodic checkpoint failed", "err", err)
			}
			putLat, getLat := st.Metrics().PutLatency(), st.Metrics().GetLatency()
			level.Debug(logger).Log("msg", "latency snapshot",
				"put_p50_us", putLat.P50, "put_p99_us", putLat.P99,
				"get_p50_us", getLat.P50, "get_p99_us", getLat.P99)
		case <-gcTicker.C:
			if _, err := st.TryGCCompact(); err != nil {
				level.Error(logger).Log("msg", "gc run failed", "err", err)
			}
		}
	}
}

func parseLevel(s string) level.Option {
	switch s {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
