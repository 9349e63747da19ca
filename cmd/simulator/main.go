// Package main runs the sharded vehicular consensus simulator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/urfave/cli.v1"

	"tribft/internal/collector"
	"tribft/internal/config"
	dbpkg "tribft/internal/db"
	"tribft/internal/logger"
	"tribft/internal/metrics"
	"tribft/internal/sim"
	"tribft/internal/tui"
)

const metricsShutdownTimeout = 2 * time.Second

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "tribft-sim"
	app.Usage = "Trust-weighted BFT consensus over sharded vehicular networks"
	app.Version = "0.1.0"
	app.Flags = simulatorFlags()
	app.Action = run
	app.Writer = os.Stdout
	return app
}

func main() {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openLog picks the log destination. With the dashboard on, logs go to a file
// so they do not interfere with the TUI.
func openLog(cfg config.Config) (log.Logger, func()) {
	if cfg.Headless {
		if cfg.Debug {
			return logger.New(true, os.Stderr), func() {}
		}
		return logger.Info(os.Stderr), func() {}
	}
	if !cfg.Debug {
		return logger.New(false, io.Discard), func() {}
	}
	logFile, err := os.OpenFile("simulator.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open log file, logs will go to stderr (may interfere with TUI): %v\n", err)
		return logger.New(true, os.Stderr), func() {}
	}
	fmt.Fprintf(os.Stderr, "Debug logs written to simulator.log\n")
	return logger.New(true, logFile), func() { _ = logFile.Close() }
}

func run(c *cli.Context) error {
	cfg := config.Load()
	applyFlags(c, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	lg, closeLog := openLog(cfg)
	defer closeLog()

	fmt.Printf("Simulator starting...\n")
	fmt.Printf("Config loaded: %s\n", cfg.DebugString())

	gormDB, err := dbpkg.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	if gormDB != nil {
		lg.Info("DB connected")
		if err := dbpkg.AutoMigrate(gormDB); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		lg.Info("Migrations applied")
	} else {
		lg.Info("DATABASE_URL not provided, persistence disabled")
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []sim.Option{
		sim.WithLogger(lg),
		sim.WithJournal(dbpkg.NewJournal(gormDB)),
		sim.WithMetrics(m),
	}
	var tuiUpdateCh chan any
	if !cfg.Headless {
		tuiUpdateCh = make(chan any, collector.TUIChannelBufferSize)
		opts = append(opts, sim.WithUI(tuiUpdateCh))
	}
	s, err := sim.New(cfg, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			lg.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if tuiUpdateCh != nil {
		go func() {
			if err := tui.Run(tuiUpdateCh); err != nil {
				lg.Error("TUI error", "err", err)
			}
			// TUI exited, cancel context to trigger shutdown
			cancel()
		}()
	}

	g.Go(func() error {
		err := s.Run(gctx)
		// a reached block target ends the run without a signal
		cancel()
		return err
	})

	err = g.Wait()
	lg.Info("shutting down...")

	if tuiUpdateCh != nil {
		// Close TUI update channel to stop sending updates
		close(tuiUpdateCh)
		// Give TUI a moment to process the close and quit
		time.Sleep(collector.TUICloseDelay)
	}

	for shard, h := range s.Heights() {
		info, _ := s.Collector().Shard(shard)
		fmt.Printf("shard %d: height=%d commits=%d failed=%d txs=%d\n", shard, h, info.Commits, info.Failures, info.Transactions)
	}
	fmt.Printf("messages: sent=%d dropped=%d\n", s.Bus().Sent(), s.Bus().Dropped())

	// Ensure logs flushed in some environments
	_ = os.Stderr.Sync()
	_ = os.Stdout.Sync()
	return err
}
