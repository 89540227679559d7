package main

import (
	"context"
	"displaywallet/config"
	"displaywallet/internal/display"
	"displaywallet/internal/fiat"
	"displaywallet/internal/notify"
	"displaywallet/internal/wallet"
	"displaywallet/pkg/cache"
	"displaywallet/pkg/logger"
	"displaywallet/pkg/queue"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "displaywallet",
		Usage: "Shows a Lightning wallet balance and recent payments on a point of sale display",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.toml", Usage: "TOML config file (falls back to the environment if missing)"},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file loaded before the config"},
			&cli.StringFlag{Name: "wallet-type", Aliases: []string{"w"}, Usage: "Wallet backend: lnbits or nwc"},
			&cli.StringFlag{Name: "environment", Aliases: []string{"e"}, Usage: "development or production"},
			&cli.BoolFlag{Name: "no-redis", Usage: "Only log wallet events"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "displaywallet: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.DisplayConfig, error) {
	if err := godotenv.Load(c.String("env-file")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", c.String("env-file"), err)
	}

	cfg := &config.DisplayConfig{}
	if err := config.LoadOrEnv(config.Path(c.String("config")), cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override with flags if set
	if c.IsSet("wallet-type") {
		cfg.Wallet.Type = c.String("wallet-type")
	}
	if c.IsSet("environment") {
		cfg.Environment = c.String("environment")
	}
	if c.Bool("no-redis") {
		cfg.Redis.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Environment); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logger.Info("Starting displaywallet...",
		zap.String("environment", cfg.Environment),
		zap.Stringer("log_level", logger.Level()))

	w, err := wallet.New(cfg)
	if err != nil {
		logger.Error("Couldn't initialize wallet", zap.String("type", cfg.Wallet.Type), zap.Error(err))
		return err
	}

	unit, err := display.ParseUnit(cfg.Display.Unit)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridgeCfg := notify.Config{
		Stream:      cfg.Redis.Stream,
		Unit:        unit,
		QRSize:      cfg.Display.QRSize,
		SnapshotTTL: cfg.SnapshotTTL(),
	}

	var store *cache.Store
	if cfg.Redis.Enabled {
		var err error
		store, err = cache.New(ctx, cache.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			// The display keeps working from the log without Redis.
			logger.Warn("Redis unavailable, wallet events are only logged", zap.Error(err))
		} else {
			defer store.Close()
			bridgeCfg.Store = store
			bridgeCfg.Publisher = queue.NewStreamQueue(store.Client(), 0)
		}
	}

	if cfg.Display.FiatCurrency != "" {
		converter, err := newFiatConverter(cfg)
		if err != nil {
			logger.Warn("Fiat value disabled", zap.Error(err))
		} else {
			bridgeCfg.Fiat = converter
		}
	}

	bridge := notify.NewBridge(w, bridgeCfg)
	if err := w.Start(bridge.Callbacks()); err != nil {
		return fmt.Errorf("failed to start %s: %w", w.Backend(), err)
	}
	logger.Info("Wallet running",
		zap.String("backend", w.Backend().String()),
		zap.Bool("redis", bridgeCfg.Store != nil),
		zap.String("snapshot_key", bridge.SnapshotKey()))

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case <-w.Done():
		// The wallet gave up on its own, e.g. no relay could be reached.
		return fmt.Errorf("%s stopped unexpectedly", w.Backend())
	}

	w.Stop()
	select {
	case <-w.Done():
		logger.Info("Wallet stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn("Wallet did not stop in time", zap.Duration("timeout", shutdownTimeout))
	}

	if store != nil {
		clearSnapshot(store, bridge.SnapshotKey())
	}
	return nil
}

// clearSnapshot removes the display state of a wallet that stopped cleanly,
// so the display does not keep showing it until the TTL runs out.
func clearSnapshot(store *cache.Store, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.Delete(ctx, key); err != nil {
		logger.Warn("Failed to clear display snapshot", zap.String("key", key), zap.Error(err))
		return
	}
	logger.Info("Display snapshot cleared", zap.String("key", key))
}

func newFiatConverter(cfg *config.DisplayConfig) (*fiat.Converter, error) {
	provider, err := fiat.NewProvider(cfg.Display.FiatProvider, "", nil)
	if err != nil {
		return nil, err
	}
	return fiat.NewConverter(provider, cfg.Display.FiatCurrency, 5*time.Minute)
}
