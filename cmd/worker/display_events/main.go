package main

import (
	"context"
	"displaywallet/config"
	"displaywallet/internal/events"
	"displaywallet/internal/notify"
	"displaywallet/pkg/cache"
	"displaywallet/pkg/logger"
	"displaywallet/pkg/queue"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "display_events",
		Usage: "Follows the wallet event stream and logs what the display shows",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.toml", Usage: "TOML config file (falls back to the environment if missing)"},
			&cli.StringFlag{Name: "group", Value: "display", Usage: "Consumer group name"},
			&cli.StringFlag{Name: "consumer", Usage: "Consumer name (default: <hostname>-<pid>)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "display_events: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	_ = godotenv.Load()

	cfg := &config.DisplayConfig{}
	if err := config.LoadOrEnv(config.Path(c.String("config")), cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Environment); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	logger.Info("Starting display_events worker...")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.New(ctx, cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return err
	}
	defer store.Close()

	q := queue.NewStreamQueue(store.Client(), 0)
	consumer := queue.ConsumerConfig{
		Stream:   cfg.Redis.Stream,
		Group:    c.String("group"),
		Consumer: c.String("consumer"),
	}
	if consumer.Consumer == "" {
		host, _ := os.Hostname()
		consumer.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := q.DeclareStream(ctx, consumer.Stream, consumer.Group); err != nil {
		logger.Error("Failed to declare stream", zap.String("stream", consumer.Stream), zap.Error(err))
		return err
	}

	logger.Info("Consuming wallet events",
		zap.String("stream", consumer.Stream),
		zap.String("group", consumer.Group),
		zap.String("consumer", consumer.Consumer))

	return q.Consume(ctx, consumer, func(messageID string, data []byte) error {
		return processMessage(ctx, store, messageID, data)
	})
}

// processMessage logs one wallet event next to the snapshot it produced.
// Malformed messages are logged and ACKed since a retry cannot fix them.
func processMessage(ctx context.Context, store *cache.Store, messageID string, data []byte) error {
	msg, err := events.FromJSON(data)
	if err != nil {
		logger.Error("Dropping malformed wallet event", zap.String("messageID", messageID), zap.Error(err))
		return nil
	}

	log := logger.With(
		zap.String("messageID", messageID),
		zap.String("backend", msg.Backend),
		zap.String("kind", string(msg.Kind)))

	switch msg.Kind {
	case events.KindBalanceChanged:
		fields := []zap.Field{zap.String("balance", msg.BalanceText), zap.Int64("delta_sats", *msg.DeltaSats)}
		if msg.FiatCurrency != "" {
			fields = append(fields, zap.String("fiat", fmt.Sprintf("%.2f %s", msg.FiatValue, msg.FiatCurrency)))
		}
		log.Info("Balance changed", fields...)
	case events.KindPaymentsChanged:
		log.Info("Payments changed", zap.Int("count", len(msg.Payments)))
	case events.KindStaticCodeChanged:
		log.Info("Static receive code changed", zap.String("code", msg.StaticCode))
	case events.KindWalletError:
		log.Warn("Wallet reported an error", zap.String("error", msg.Error))
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := notify.SnapshotKeyPrefix + msg.Backend
	var snap notify.Snapshot
	found, err := store.GetJSON(readCtx, key, &snap)
	if err != nil {
		// Leave the message pending, the snapshot read is retried on reclaim.
		return fmt.Errorf("failed to read display snapshot: %w", err)
	}
	if !found {
		log.Debug("No display snapshot yet")
		return nil
	}
	fields := []zap.Field{zap.String("balance", snap.BalanceText), zap.String("payments", snap.PaymentsText)}
	if ttl, err := store.TTL(readCtx, key); err == nil && ttl > 0 {
		fields = append(fields, zap.Duration("expires_in", ttl))
	}
	log.Debug("Display", fields...)
	return nil
}
