package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"erp/ecommerce/storefront/internal/config"
	"erp/ecommerce/storefront/internal/logging"
	"erp/ecommerce/storefront/internal/notify"
	"erp/ecommerce/storefront/internal/shipping"
	"erp/ecommerce/storefront/internal/shipping/enviopack"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"port":      "http.port",
	"log-level": "log.level",
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Storefront shipping: carrier labels, quotes and tracking per store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (default ./shipping.yaml or /etc/storefront/shipping.yaml)")
	root.PersistentFlags().String("port", "", "HTTP listen port")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the tracking sync loop",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, cfgFile)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the schema and row-level security policies",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd, cfgFile)
			},
		},
		&cobra.Command{
			Use:   "sync-tracking",
			Short: "Refresh every active shipment once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSyncOnce(cmd, cfgFile)
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, cfg, err := loadConfig(cmd, cfgFile)
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(cfg.Redacted())
			},
		},
	)
	return root
}

func loadConfig(cmd *cobra.Command, cfgFile string) (*viper.Viper, *config.Config, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// app holds everything a command needs.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
	store  shipping.Store
	svc    *shipping.Service
}

func newApp(ctx context.Context, cmd *cobra.Command, cfgFile string) (*app, error) {
	v, cfg, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return nil, err
	}
	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", serviceName), zap.String("module", cfg.Module))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	svc, err := newService(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{v: v, cfg: cfg, logger: logger, level: level, store: store, svc: svc}, nil
}

func (a *app) Close() {
	a.svc.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// openStore connects to Postgres and migrates it. Without a configured or
// reachable database it falls back to memory unless database.required is set.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (shipping.Store, error) {
	fallback := func(reason error) (shipping.Store, error) {
		if cfg.Database.Required {
			return nil, fmt.Errorf("database required: %w", reason)
		}
		logger.Warn("database unavailable, running shipping in memory mode", zap.Error(reason))
		return shipping.NewMemoryStore(), nil
	}

	dsn := cfg.Database.DSN()
	if dsn == "" {
		return fallback(errors.New("missing DATABASE_URL or DB_HOST"))
	}
	pg, err := shipping.OpenPostgres(ctx, dsn, shipping.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdle:     cfg.Database.ConnMaxIdle,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fallback(err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return fallback(fmt.Errorf("schema setup: %w", err))
	}
	return pg, nil
}

func newRegistry(cfg *config.Config) (*shipping.Registry, error) {
	reg, err := shipping.NewRegistry(cfg.Cache.ProviderSize)
	if err != nil {
		return nil, err
	}
	reg.Register(shipping.MockProviderName, shipping.MockFactory(cfg.Providers.Mock.StepInterval))
	ep := enviopack.NewClient(cfg.Providers.Enviopack.BaseURL, cfg.Providers.Enviopack.Timeout)
	reg.Register(enviopack.Name, ep.Factory())
	return reg, nil
}

func newNotifier(cfg *config.Config, logger *zap.Logger) shipping.Notifier {
	if !cfg.SMTP.Enabled() {
		return notify.NewLog(logger)
	}
	return notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Timeout:  cfg.SMTP.Timeout,
	})
}

func newService(cfg *config.Config, store shipping.Store, logger *zap.Logger) (*shipping.Service, error) {
	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	return shipping.NewService(store, reg, shipping.Options{
		ListTTL:  cfg.Cache.ListTTL,
		QuoteTTL: cfg.Cache.QuoteTTL,
		Logger:   logger,
		Notifier: newNotifier(cfg, logger),
	}), nil
}

// watchLogLevel applies log.level changes from the config file without a
// restart.
func (a *app) watchLogLevel() {
	if a.v.ConfigFileUsed() == "" {
		return
	}
	a.v.OnConfigChange(func(e fsnotify.Event) {
		level := a.v.GetString("log.level")
		if err := logging.SetLevel(a.level, level); err != nil {
			a.logger.Warn("ignoring invalid log level from config", zap.String("file", e.Name), zap.String("level", level), zap.Error(err))
			return
		}
		a.logger.Info("log level updated", zap.String("file", e.Name), zap.String("level", level))
	})
	a.v.WatchConfig()
}

func runServe(cmd *cobra.Command, cfgFile string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, cfgFile)
	if err != nil {
		return err
	}
	defer a.Close()

	shipping.RegisterMetrics(prometheus.DefaultRegisterer)
	a.watchLogLevel()

	waitSync := startSync(ctx, a.svc, a.cfg.Tracking)
	// Runs before a.Close so an in-flight sync finishes against an open store.
	defer func() {
		stop()
		waitSync()
	}()

	srv := &server{svc: a.svc, logger: a.logger, module: a.cfg.Module, gatherer: prometheus.DefaultGatherer}
	httpSrv := &http.Server{
		Addr:              ":" + a.cfg.HTTP.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
		IdleTimeout:       a.cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("shipping-service listening", zap.String("addr", httpSrv.Addr), zap.String("mode", a.svc.Mode()))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// startSync runs the tracking loop until ctx is done. The returned func
// blocks until the loop has exited.
func startSync(ctx context.Context, svc *shipping.Service, cfg config.TrackingConfig) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.RunSync(ctx, cfg.SyncInterval, cfg.Workers, cfg.Timeout)
	}()
	return func() { <-done }
}

func runMigrate(cmd *cobra.Command, cfgFile string) error {
	_, cfg, err := loadConfig(cmd, cfgFile)
	if err != nil {
		return err
	}
	dsn := cfg.Database.DSN()
	if dsn == "" {
		return errors.New("migrate: missing DATABASE_URL or DB_HOST")
	}
	pg, err := shipping.OpenPostgres(cmd.Context(), dsn, shipping.PoolOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer pg.Close()
	if err := pg.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}

func runSyncOnce(cmd *cobra.Command, cfgFile string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, cfgFile)
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Tracking.Timeout)
	defer cancel()
	start := time.Now()
	sum, err := a.svc.SyncTracking(runCtx, a.cfg.Tracking.Workers)
	a.logger.Info("tracking sync finished",
		zap.Int("stores", sum.Stores),
		zap.Int("checked", sum.Checked),
		zap.Int("updated", sum.Updated),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(sum); encErr != nil {
		return encErr
	}
	return err
}
