package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vjranagit/tmarchive/internal/config"
	"github.com/vjranagit/tmarchive/pkg/api"
	"github.com/vjranagit/tmarchive/pkg/log"
	"github.com/vjranagit/tmarchive/pkg/metrics"
	"github.com/vjranagit/tmarchive/pkg/storage"
	"github.com/vjranagit/tmarchive/pkg/types"
)

const (
	version = "0.3.0"
)

type options struct {
	configPath string
	listen     string
	dataPath   string
	inMemory   bool
	logLevel   string
	logFormat  string
}

func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("tmarchive", pflag.ContinueOnError)
	o := &options{}
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file, watched for changes")
	fs.StringVar(&o.listen, "listen", "", "HTTP listen address (overrides config)")
	fs.StringVar(&o.dataPath, "data", "", "storage directory (overrides config)")
	fs.BoolVar(&o.inMemory, "in-memory", false, "keep the archive in memory only")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "", "log format: console or json")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// apply overlays the command line on the loaded configuration
func (o *options) apply(cfg *config.Config) {
	if o.listen != "" {
		cfg.Server.ListenAddr = o.listen
	}
	if o.dataPath != "" {
		cfg.Storage.Path = o.dataPath
	}
	if o.inMemory {
		cfg.Storage.InMemory = true
		cfg.Storage.EnableWAL = false
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		log.Error(err).Msg("Fatal error")
		os.Exit(1)
	}
}

func run(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := log.SetFormat(cfg.Log.Format); err != nil {
		return err
	}
	if err := log.SetLevel(cfg.Log.Level); err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("listen", cfg.Server.ListenAddr).
		Str("path", cfg.Storage.Path).
		Bool("in_memory", cfg.Storage.InMemory).
		Int("retention_days", cfg.Storage.RetentionDays).
		Str("compression", cfg.Storage.Compression).
		Bool("wal", cfg.Storage.EnableWAL).
		Msg("Starting telemetry archive")

	alarms := api.NewAlarmTracker()
	m := metrics.NewArchive()

	store, err := storage.NewStorage(cfg.ToStorageConfig(), storage.WithAppendHook(alarms.Observe))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error(err).Msg("Failed to close storage")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wal *storage.WAL
	var writer *storage.BatchWriter
	if cfg.Storage.EnableWAL && !cfg.Storage.InMemory {
		// Writes acknowledged before a crash are still in the log.
		n, err := storage.ReplayWAL(cfg.Storage.Path, func(req *types.WriteRequest) error {
			_, err := store.Write(ctx, req)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to replay WAL: %w", err)
		}
		if n > 0 {
			log.Info().Int("requests", n).Msg("WAL replayed")
		}

		if wal, err = storage.NewWAL(cfg.Storage.Path); err != nil {
			return fmt.Errorf("failed to open WAL: %w", err)
		}
		writer = storage.NewBatchWriter(store, wal, cfg.Storage.BatchSize)
	}

	if err := alarms.Rebuild(ctx, store); err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithMetrics(m),
		api.WithLimits(cfg.Limits()),
		api.WithLive(cfg.Live.StatusInterval, cfg.Live.SendBuffer),
		api.WithTimeout(cfg.Server.Timeout),
	}
	if writer != nil {
		serverOpts = append(serverOpts, api.WithBatchWriter(writer))
	}
	server := api.NewServer(cfg.Server.ListenAddr, store, alarms, serverOpts...)

	if opts.configPath != "" {
		go func() {
			err := config.Watch(ctx, opts.configPath, func(next *config.Config) {
				// Only the log settings are safe to change at runtime.
				if err := log.SetLevel(next.Log.Level); err != nil {
					log.Warn().Err(err).Msg("Ignoring log level change")
					return
				}
				log.Info().Str("level", next.Log.Level).Msg("Log level reloaded")
			})
			if err != nil {
				log.Error(err).Msg("Config watcher stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, stopping server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error(err).Msg("Server shutdown error")
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Error(err).Msg("Failed to flush pending writes")
		}
	}
	if wal != nil {
		if err := wal.Close(); err != nil {
			log.Error(err).Msg("Failed to close WAL")
		}
	}

	log.Info().Msg("Server stopped successfully")
	return nil
}
