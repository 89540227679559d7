// Package notify connects a running wallet to the display: every callback
// is logged, published to the event stream and folded into a snapshot of
// what the screen should show.
package notify

import (
	"context"
	"displaywallet/internal/display"
	"displaywallet/internal/events"
	"displaywallet/internal/payment"
	"displaywallet/internal/wallet"
	"displaywallet/pkg/logger"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"
)

const SnapshotKeyPrefix = "displaywallet:snapshot:"

type Publisher interface {
	Publish(ctx context.Context, stream string, data []byte) (string, error)
}

type SnapshotStore interface {
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type FiatConverter interface {
	Currency() string
	Value(ctx context.Context, sats int64) (float64, error)
}

// WalletView is the read side of wallet.Wallet.
type WalletView interface {
	Backend() wallet.Backend
	Balance() int64
	Payments() []payment.Payment
	StaticReceiveCode() string
}

// Snapshot is the full display state, rewritten on every change.
type Snapshot struct {
	Backend      string            `json:"backend"`
	BalanceSats  int64             `json:"balance_sats"`
	BalanceText  string            `json:"balance_text"`
	FiatValue    float64           `json:"fiat_value,omitempty"`
	FiatCurrency string            `json:"fiat_currency,omitempty"`
	Payments     []payment.Payment `json:"payments"`
	PaymentsText string            `json:"payments_text"`
	StaticCode   string            `json:"static_code,omitempty"`
	StaticCodeQR string            `json:"static_code_qr_png,omitempty"` // base64
	LastError    string            `json:"last_error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type Config struct {
	Stream      string
	Unit        display.Unit
	QRSize      int
	SnapshotTTL time.Duration
	Timeout     time.Duration // per Redis or price call, default 5s

	// Optional. A nil Publisher or Store only logs.
	Publisher Publisher
	Store     SnapshotStore
	Fiat      FiatConverter
}

type Bridge struct {
	wallet WalletView
	cfg    Config
	log    *zap.Logger

	mu        sync.Mutex
	qrCode    string
	qrPNG     string
	fiatValue float64
	lastError string
}

func NewBridge(w WalletView, cfg Config) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Unit == "" {
		cfg.Unit = display.UnitSats
	}
	return &Bridge{
		wallet: w,
		cfg:    cfg,
		log:    logger.Named("bridge").With(zap.String("backend", w.Backend().String())),
	}
}

func (b *Bridge) SnapshotKey() string {
	return SnapshotKeyPrefix + b.wallet.Backend().String()
}

// Callbacks returns the hooks to pass to wallet.Start.
func (b *Bridge) Callbacks() wallet.Callbacks {
	return wallet.Callbacks{
		BalanceChanged:    b.onBalanceChanged,
		PaymentsChanged:   b.onPaymentsChanged,
		StaticCodeChanged: b.onStaticCodeChanged,
		Error:             b.onError,
	}
}

func (b *Bridge) onBalanceChanged(delta int64) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	balance := b.wallet.Balance()
	text := display.FormatBalance(balance, b.cfg.Unit)
	b.log.Info("Balance", zap.String("text", text), zap.Int64("delta_sats", delta))

	msg := events.NewBalanceChanged(b.backend(), delta, balance, text)
	if b.cfg.Fiat != nil {
		value, err := b.cfg.Fiat.Value(ctx, balance)
		if err != nil {
			b.log.Warn("Failed to convert balance to fiat", zap.Error(err))
		} else {
			msg.WithFiat(value, b.cfg.Fiat.Currency())
			b.mu.Lock()
			b.fiatValue = value
			b.mu.Unlock()
		}
	}

	b.publish(ctx, msg)
	b.writeSnapshot(ctx)
}

func (b *Bridge) onPaymentsChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	payments := b.wallet.Payments()
	b.log.Info("Payments", zap.Int("count", len(payments)))
	b.log.Debug(display.FormatPayments(payments))

	b.publish(ctx, events.NewPaymentsChanged(b.backend(), payments))
	b.writeSnapshot(ctx)
}

func (b *Bridge) onStaticCodeChanged() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	code := b.wallet.StaticReceiveCode()
	b.log.Info("Static receive code", zap.String("code", code))

	b.publish(ctx, events.NewStaticCodeChanged(b.backend(), code))
	b.writeSnapshot(ctx)
}

func (b *Bridge) onError(err error) {
	if err == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	b.log.Warn("Wallet error", zap.Error(err))
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()

	b.publish(ctx, events.NewWalletError(b.backend(), err))
	b.writeSnapshot(ctx)
}

func (b *Bridge) backend() string {
	return b.wallet.Backend().String()
}

func (b *Bridge) publish(ctx context.Context, msg *events.Message) {
	if b.cfg.Publisher == nil {
		return
	}
	data, err := msg.ToJSON()
	if err != nil {
		b.log.Error("Failed to encode wallet event", zap.String("kind", string(msg.Kind)), zap.Error(err))
		return
	}
	if _, err := b.cfg.Publisher.Publish(ctx, b.cfg.Stream, data); err != nil {
		b.log.Warn("Failed to publish wallet event", zap.String("kind", string(msg.Kind)), zap.Error(err))
	}
}

// Snapshot builds the current display state from the wallet.
func (b *Bridge) Snapshot() Snapshot {
	balance := b.wallet.Balance()
	payments := b.wallet.Payments()
	code := b.wallet.StaticReceiveCode()

	snap := Snapshot{
		Backend:      b.backend(),
		BalanceSats:  balance,
		BalanceText:  display.FormatBalance(balance, b.cfg.Unit),
		Payments:     payments,
		PaymentsText: display.FormatPayments(payments),
		StaticCode:   code,
		StaticCodeQR: b.receiveQR(code),
		UpdatedAt:    time.Now().UTC(),
	}
	if snap.Payments == nil {
		snap.Payments = []payment.Payment{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Fiat != nil && b.fiatValue > 0 {
		snap.FiatValue = b.fiatValue
		snap.FiatCurrency = b.cfg.Fiat.Currency()
	}
	snap.LastError = b.lastError
	return snap
}

func (b *Bridge) writeSnapshot(ctx context.Context) {
	if b.cfg.Store == nil {
		return
	}
	if err := b.cfg.Store.SetJSON(ctx, b.SnapshotKey(), b.Snapshot(), b.cfg.SnapshotTTL); err != nil {
		b.log.Warn("Failed to write display snapshot", zap.Error(err))
	}
}

// receiveQR renders code once and reuses the PNG until the code changes.
func (b *Bridge) receiveQR(code string) string {
	if code == "" {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if code == b.qrCode {
		return b.qrPNG
	}

	png, err := display.ReceiveQR(code, b.cfg.QRSize)
	if err != nil {
		b.log.Warn("Failed to render receive QR", zap.Error(err))
		return ""
	}
	b.qrCode = code
	b.qrPNG = base64.StdEncoding.EncodeToString(png)
	return b.qrPNG
}
