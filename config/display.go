package config

import (
	"fmt"
	"strings"
	"time"
)

type DisplayConfig struct {
	Environment string `toml:"environment" env:"DISPLAYWALLET_ENV" env-default:"development"`
	LogLevel    string `toml:"log_level" env:"DISPLAYWALLET_LOG_LEVEL"` // overrides the environment's default

	Wallet struct {
		Type string `toml:"type" env:"DISPLAYWALLET_WALLET_TYPE"` // "lnbits" or "nwc"
	} `toml:"wallet"`

	LNBits struct {
		URL                   string `toml:"url" env:"DISPLAYWALLET_LNBITS_URL"`
		ReadKey               string `toml:"read_key" env:"DISPLAYWALLET_LNBITS_READKEY"`
		PaymentsLimit         int    `toml:"payments_limit" env:"DISPLAYWALLET_LNBITS_PAYMENTS_LIMIT" env-default:"6"`
		PollIntervalSeconds   int    `toml:"poll_interval_seconds" env:"DISPLAYWALLET_LNBITS_POLL_INTERVAL" env-default:"60"`
		RequestTimeoutSeconds int    `toml:"request_timeout_seconds" env:"DISPLAYWALLET_LNBITS_REQUEST_TIMEOUT" env-default:"10"`
	} `toml:"lnbits"`

	NWC struct {
		URL                    string `toml:"url" env:"DISPLAYWALLET_NWC_URL"`
		StaticReceiveCode      string `toml:"static_receive_code" env:"DISPLAYWALLET_NWC_STATIC_RECEIVE_CODE"`
		PaymentsLimit          int    `toml:"payments_limit" env:"DISPLAYWALLET_NWC_PAYMENTS_LIMIT" env-default:"6"`
		BalanceIntervalSeconds int    `toml:"balance_interval_seconds" env:"DISPLAYWALLET_NWC_BALANCE_INTERVAL" env-default:"60"`
		ConnectTimeoutSeconds  int    `toml:"connect_timeout_seconds" env:"DISPLAYWALLET_NWC_CONNECT_TIMEOUT" env-default:"10"`
	} `toml:"nwc"`

	Display struct {
		Unit         string `toml:"unit" env:"DISPLAYWALLET_DISPLAY_UNIT" env-default:"sats"` // "sats" or "btc"
		FiatCurrency string `toml:"fiat_currency" env:"DISPLAYWALLET_FIAT_CURRENCY"`
		FiatProvider string `toml:"fiat_provider" env:"DISPLAYWALLET_FIAT_PROVIDER" env-default:"coinbase"`
		QRSize       int    `toml:"qr_size" env:"DISPLAYWALLET_QR_SIZE" env-default:"256"`
	} `toml:"display"`

	Redis struct {
		Enabled            bool   `toml:"enabled" env:"DISPLAYWALLET_REDIS_ENABLED" env-default:"true"`
		Host               string `toml:"host" env:"DISPLAYWALLET_REDIS_HOST" env-default:"localhost"`
		Port               string `toml:"port" env:"DISPLAYWALLET_REDIS_PORT" env-default:"6379"`
		Password           string `toml:"password" env:"DISPLAYWALLET_REDIS_PASSWORD"`
		DB                 int    `toml:"db" env:"DISPLAYWALLET_REDIS_DB" env-default:"0"`
		Stream             string `toml:"stream" env:"DISPLAYWALLET_REDIS_STREAM" env-default:"wallet_events"`
		SnapshotTTLSeconds int    `toml:"snapshot_ttl_seconds" env:"DISPLAYWALLET_REDIS_SNAPSHOT_TTL" env-default:"600"`
	} `toml:"redis"`
}

// Validate checks the settings the daemon cannot start without. Backend
// specific parameters are validated by the wallet constructors.
func (c *DisplayConfig) Validate() error {
	switch strings.ToLower(c.Wallet.Type) {
	case "":
		return fmt.Errorf("wallet type is not set (expected \"lnbits\" or \"nwc\")")
	case "lnbits", "nwc":
	default:
		return fmt.Errorf("unsupported wallet type %q (expected \"lnbits\" or \"nwc\")", c.Wallet.Type)
	}

	switch strings.ToLower(c.Display.Unit) {
	case "sats", "btc":
	default:
		return fmt.Errorf("unsupported display unit %q (expected \"sats\" or \"btc\")", c.Display.Unit)
	}

	if c.Redis.Enabled && c.Redis.Stream == "" {
		return fmt.Errorf("redis stream name is required when redis is enabled")
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *DisplayConfig) LNBitsPollInterval() time.Duration { return seconds(c.LNBits.PollIntervalSeconds) }

func (c *DisplayConfig) LNBitsRequestTimeout() time.Duration {
	return seconds(c.LNBits.RequestTimeoutSeconds)
}

func (c *DisplayConfig) NWCBalanceInterval() time.Duration {
	return seconds(c.NWC.BalanceIntervalSeconds)
}

func (c *DisplayConfig) NWCConnectTimeout() time.Duration { return seconds(c.NWC.ConnectTimeoutSeconds) }

func (c *DisplayConfig) SnapshotTTL() time.Duration { return seconds(c.Redis.SnapshotTTLSeconds) }
