// Package wallet connects to a Lightning wallet backend (LNBits or Nostr
// Wallet Connect), keeps the balance and recent payments in memory and
// notifies the host when either changes.
//
// Each wallet runs one background goroutine that performs all network I/O
// and all state updates. Callbacks are invoked from that goroutine, so the
// host must hand data over to its own goroutine if it needs to.
package wallet

import (
	"context"
	"displaywallet/internal/payment"
	"displaywallet/pkg/logger"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// UnknownBalance is the balance before the backend has reported one.
const UnknownBalance int64 = -1

const defaultPaymentsLimit = 6

var (
	ErrAlreadyRunning   = errors.New("wallet is already running")
	ErrInvalidConfig    = errors.New("invalid wallet configuration")
	ErrNoRelayConnected = errors.New("could not connect to any NWC relay")
)

// Backend identifies the wallet implementation.
type Backend int

const (
	BackendLNBits Backend = iota + 1
	BackendNWC
)

func (b Backend) String() string {
	switch b {
	case BackendLNBits:
		return "LNBitsWallet"
	case BackendNWC:
		return "NWCWallet"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend maps the host's wallet type setting to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lnbits":
		return BackendLNBits, nil
	case "nwc":
		return BackendNWC, nil
	default:
		return 0, fmt.Errorf("%w: unknown wallet type %q (supported: lnbits, nwc)", ErrInvalidConfig, s)
	}
}

// Callbacks are the observer hooks registered at Start. Any of them may be nil.
type Callbacks struct {
	BalanceChanged    func(deltaSats int64)
	PaymentsChanged   func()
	StaticCodeChanged func()
	Error             func(err error)
}

type Wallet interface {
	// Start launches the background goroutine. It returns ErrAlreadyRunning
	// if a previous run has not finished yet.
	Start(cb Callbacks) error
	// Stop asks the background goroutine to exit and returns immediately.
	Stop()
	IsRunning() bool
	// Done is closed when the background goroutine has exited.
	Done() <-chan struct{}
	Backend() Backend

	Balance() int64
	Payments() []payment.Payment
	StaticReceiveCode() string
}

// core is the state and change detection shared by both backends. The
// handle* methods are only called from the background goroutine.
type core struct {
	backend Backend
	log     *zap.Logger

	// fetchPayments is the backend's full payment history re-fetch.
	fetchPayments func(ctx context.Context)

	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu         sync.RWMutex
	callbacks  Callbacks
	balance    int64
	payments   *payment.Set
	staticCode string
}

func newCore(backend Backend) *core {
	done := make(chan struct{})
	close(done)
	return &core{
		backend:  backend,
		log:      logger.With(zap.String("backend", backend.String())),
		done:     done,
		balance:  UnknownBalance,
		payments: payment.NewSet(),
	}
}

func (c *core) start(cb Callbacks, run func(ctx context.Context)) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running.Load() {
		return ErrAlreadyRunning
	}
	select {
	case <-c.done:
	default:
		return fmt.Errorf("%w: previous run is still shutting down", ErrAlreadyRunning)
	}

	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.running.Store(true)

	go func() {
		defer close(done)
		defer c.running.Store(false)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("Wallet loop panicked", zap.Any("panic", r), zap.Stack("stack"))
				c.reportError(fmt.Errorf("%s loop panicked: %v", c.backend, r))
			}
		}()

		c.log.Info("Wallet started")
		run(ctx)
		c.log.Info("Wallet stopped")
	}()
	return nil
}

func (c *core) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.running.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *core) IsRunning() bool {
	return c.running.Load()
}

func (c *core) Done() <-chan struct{} {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.done
}

func (c *core) Backend() Backend {
	return c.backend
}

// Balance returns the last known balance in sats, or UnknownBalance.
func (c *core) Balance() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance
}

func (c *core) Payments() []payment.Payment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.payments.All()
}

func (c *core) StaticReceiveCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staticCode
}

// handleNewBalance stores balance and reports the delta if it changed. The
// first report after UnknownBalance is measured against zero. With
// fetchPayments set, a change also triggers a full payment re-fetch since
// the delta alone does not say which payment caused it.
func (c *core) handleNewBalance(ctx context.Context, balance int64, fetchPayments bool) {
	if !c.running.Load() || balance == UnknownBalance {
		return
	}

	c.mu.Lock()
	previous := c.balance
	if previous == balance {
		c.mu.Unlock()
		return
	}
	c.balance = balance
	cb := c.callbacks.BalanceChanged
	c.mu.Unlock()

	if previous == UnknownBalance {
		previous = 0
	}
	delta := balance - previous
	c.log.Info("Balance changed", zap.Int64("balance_sats", balance), zap.Int64("delta_sats", delta))

	if cb != nil {
		c.invoke("balance_changed", func() { cb(delta) })
	}
	if fetchPayments && c.fetchPayments != nil && c.running.Load() {
		c.fetchPayments(ctx)
	}
}

// handleNewPayment adds p and always notifies, even for a duplicate.
func (c *core) handleNewPayment(p payment.Payment) {
	if !c.running.Load() {
		return
	}

	c.mu.Lock()
	added := c.payments.Add(p)
	cb := c.callbacks.PaymentsChanged
	c.mu.Unlock()

	c.log.Info("New payment", zap.Stringer("payment", p), zap.Bool("added", added))
	if cb != nil {
		c.invoke("payments_changed", cb)
	}
}

// handleNewPayments replaces the payment list unless it is equal to the
// current one.
func (c *core) handleNewPayments(set *payment.Set) {
	if !c.running.Load() || set == nil {
		return
	}

	c.mu.Lock()
	if c.payments.Equal(set) {
		c.mu.Unlock()
		c.log.Debug("Payment list unchanged", zap.Int("count", set.Len()))
		return
	}
	c.payments = set.Clone()
	cb := c.callbacks.PaymentsChanged
	c.mu.Unlock()

	c.log.Info("Payment list replaced", zap.Int("count", set.Len()))
	if cb != nil {
		c.invoke("payments_changed", cb)
	}
}

func (c *core) handleNewStaticReceiveCode(code string) {
	if !c.running.Load() || code == "" {
		return
	}

	c.mu.Lock()
	if c.staticCode == code {
		c.mu.Unlock()
		return
	}
	c.staticCode = code
	cb := c.callbacks.StaticCodeChanged
	c.mu.Unlock()

	c.log.Info("Static receive code changed", zap.String("code", code))
	if cb != nil {
		c.invoke("static_code_changed", cb)
	}
}

// handleError logs err and forwards it to the error callback. Cancellation
// caused by Stop is not reported.
func (c *core) handleError(err error) {
	if err == nil {
		return
	}
	if !c.running.Load() && errors.Is(err, context.Canceled) {
		return
	}
	c.log.Warn("Wallet error", zap.Error(err))
	c.reportError(err)
}

func (c *core) reportError(err error) {
	c.mu.RLock()
	cb := c.callbacks.Error
	c.mu.RUnlock()
	if cb != nil {
		c.invoke("error", func() { cb(err) })
	}
}

// invoke runs a host callback and keeps a panic in it from killing the loop.
func (c *core) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func paymentsLimit(n int) int {
	if n <= 0 {
		return defaultPaymentsLimit
	}
	return n
}
