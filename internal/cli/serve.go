package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kaiwahq/kaiwa/internal/config"
	"github.com/kaiwahq/kaiwa/internal/logger"
	"github.com/kaiwahq/kaiwa/internal/metrics"
	"github.com/kaiwahq/kaiwa/pkg/gateway"
	"github.com/kaiwahq/kaiwa/pkg/proc"
	"github.com/kaiwahq/kaiwa/pkg/reaper"
	"github.com/kaiwahq/kaiwa/pkg/session"
	"github.com/kaiwahq/kaiwa/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session runtime in the foreground",
	Long: `Run the full session runtime: the process reaper, the durable session
store, and (when enabled in config) the WebSocket gateway. Runs until
interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.shutdown()

	if rt.gateway != nil {
		if err := rt.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}
	if err := rt.reaper.Start(); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	if rt.watcher != nil {
		if err := rt.watcher.Start(); err != nil {
			rt.log.Warn().Err(err).Msg("Config watcher unavailable, continuing without hot reload")
			rt.watcher = nil
		}
	}

	rt.log.Info().Str("version", version).Msg("Kaiwa runtime started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	rt.log.Info().Str("signal", received.String()).Msg("Shutting down")

	return nil
}

// runtime bundles the assembled components so shutdown can unwind them in
// reverse order.
type runtime struct {
	cfg      *config.Config
	logs     *logger.Logger
	log      zerolog.Logger
	metrics  *metrics.Metrics
	store    *store.SQLiteStore
	sessions *session.Registry
	gateway  *gateway.Server
	reaper   *reaper.Reaper
	watcher  *config.Watcher
}

func buildRuntime() (*runtime, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flag := rootCmd.PersistentFlags().Lookup("log-level"); flag != nil && flag.Changed {
		cfg.Logging.Level = logLevel
	}
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs[0])
	}

	logs, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	rt := &runtime{
		cfg:     cfg,
		logs:    logs,
		log:     logs.Component("runtime"),
		metrics: metrics.NewMetrics(),
	}

	rt.store, err = store.NewSQLiteStore(store.Config{
		Path:   cfg.Store.Path,
		Logger: logs.Component("store"),
	})
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	rt.sessions = session.NewRegistry(cfg, proc.ForHost(), rt.store, logs.Component("session"), rt.metrics)

	if cfg.Gateway.Enabled {
		rt.gateway, err = gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Sessions:     rt.sessions,
			Metrics:      rt.metrics,
			Logger:       logs.Component("gateway"),
		})
		if err != nil {
			rt.store.Close()
			logs.Close()
			return nil, fmt.Errorf("failed to create gateway: %w", err)
		}
	}

	rt.reaper, err = reaper.New(reaper.Config{
		Schedule:  cfg.Reaper.Schedule,
		Retention: retention(cfg),
		Processes: rt.sessions.Processes(),
		Pruner:    rt.store,
		Logger:    logs.Component("reaper"),
	})
	if err != nil {
		rt.store.Close()
		logs.Close()
		return nil, fmt.Errorf("failed to create reaper: %w", err)
	}

	// Hot-reload only touches the log level; everything else requires a
	// restart to apply safely.
	rt.watcher, err = config.NewWatcher(loader, func(next *config.Config) {
		level, parseErr := zerolog.ParseLevel(next.Logging.Level)
		if parseErr != nil {
			rt.log.Warn().Str("level", next.Logging.Level).Msg("Ignoring invalid log level from config reload")
			return
		}
		zerolog.SetGlobalLevel(level)
		rt.log.Info().Str("level", next.Logging.Level).Msg("Log level updated from config")
	})
	if err != nil {
		rt.log.Warn().Err(err).Msg("Config watcher unavailable, continuing without hot reload")
		rt.watcher = nil
	}

	return rt, nil
}

func (rt *runtime) shutdown() {
	if rt.watcher != nil {
		_ = rt.watcher.Stop()
	}
	if rt.gateway != nil {
		if err := rt.gateway.Stop(); err != nil {
			rt.log.Error().Err(err).Msg("Gateway shutdown error")
		}
	}
	if rt.reaper != nil {
		_ = rt.reaper.Stop()
	}
	rt.sessions.Close()
	if err := rt.store.Close(); err != nil {
		rt.log.Error().Err(err).Msg("Store close error")
	}
	_ = rt.logs.Close()
}

func retention(cfg *config.Config) time.Duration {
	if cfg.Reaper.RetentionHours <= 0 {
		return 0
	}
	return time.Duration(cfg.Reaper.RetentionHours) * time.Hour
}
