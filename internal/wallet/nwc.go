package wallet

import (
	"context"
	"displaywallet/internal/crypto"
	"displaywallet/internal/nwc"
	"displaywallet/internal/payment"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const seenEventsSize = 512

// Relay is the part of a Nostr relay connection the NWC wallet uses.
type Relay interface {
	URL() string
	// Subscribe returns a channel of matching events. The channel is closed
	// when the subscription ends.
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, evt nostr.Event) error
	Close() error
}

type RelayDialer func(ctx context.Context, url string) (Relay, error)

type NWCConfig struct {
	URI string
	// StaticReceiveCode overrides the lud16 of the URI when set.
	StaticReceiveCode string

	PaymentsLimit   int           // default 6
	BalanceInterval time.Duration // default 60s
	ConnectTimeout  time.Duration // default 10s, per relay
	PublishTimeout  time.Duration // default 10s, per relay
	Tick            time.Duration // default 100ms

	// Relay redial backoff, default 1s growing to 5m.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Dialer RelayDialer // default: go-nostr RelayConnect
}

type NWCWallet struct {
	*core
	cfg  NWCConfig
	uri  *nwc.ConnectionURI
	keys *crypto.Keypair
	conv *crypto.Conversation

	// Owned by the wallet goroutine.
	relays     map[string]*relaySub         // subscribed relays by configured URL
	down       map[string]*relayRedial      // relays waiting to be redialed
	seen       *lru.Cache[string, struct{}] // ids of verified events
	balanceDue bool
}

// relaySub is a connected relay and its live subscription.
type relaySub struct {
	relay  Relay
	events <-chan *nostr.Event
}

type relayRedial struct {
	backoff *backoff.ExponentialBackOff
	next    time.Time
}

// NewNWCWallet parses the connection URI and derives the keys. No relay is
// contacted before Start.
func NewNWCWallet(cfg NWCConfig) (*NWCWallet, error) {
	uri, err := nwc.ParseURI(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	keys, err := crypto.KeypairFromSecret(uri.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: NWC secret: %w", ErrInvalidConfig, err)
	}
	conv, err := crypto.NewConversation(keys, uri.WalletPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: NWC wallet pubkey: %w", ErrInvalidConfig, err)
	}

	cfg.StaticReceiveCode = strings.TrimSpace(cfg.StaticReceiveCode)
	cfg.PaymentsLimit = paymentsLimit(cfg.PaymentsLimit)
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialNostrRelay
	}

	seen, err := lru.New[string, struct{}](seenEventsSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create event cache: %w", err)
	}

	w := &NWCWallet{
		core: newCore(BackendNWC),
		cfg:  cfg,
		uri:  uri,
		keys: keys,
		conv: conv,
		seen: seen,
	}
	w.fetchPayments = w.requestTransactions
	return w, nil
}

func (w *NWCWallet) Start(cb Callbacks) error {
	return w.start(cb, w.run)
}

// relayEvent is an event from one relay subscription, or its end.
type relayEvent struct {
	relay  string
	sub    <-chan *nostr.Event
	event  *nostr.Event
	closed bool
}

func (w *NWCWallet) run(ctx context.Context) {
	w.log.Info("Connecting to wallet service", zap.Stringer("uri", w.uri))

	code := w.cfg.StaticReceiveCode
	if code == "" {
		code = w.uri.Lud16
	}
	w.handleNewStaticReceiveCode(code)

	incoming := make(chan relayEvent, 64)
	w.relays = make(map[string]*relaySub)
	w.down = make(map[string]*relayRedial)
	defer w.closeRelays()

	for url, relay := range w.connect(ctx) {
		if err := w.attach(ctx, url, relay, incoming); err != nil {
			w.handleError(fmt.Errorf("relay %s: %w", url, err))
		}
	}
	if len(w.relays) == 0 {
		if ctx.Err() == nil {
			w.handleError(fmt.Errorf("%w (tried %s)", ErrNoRelayConnected, strings.Join(w.uri.Relays, ", ")))
		}
		return
	}
	for _, url := range w.uri.Relays {
		if _, ok := w.relays[url]; !ok {
			w.scheduleRedial(url)
		}
	}

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	var lastBalanceRequest time.Time
	w.balanceDue = true
	for w.IsRunning() {
		w.redialDue(ctx, incoming)

		if w.balanceDue || time.Since(lastBalanceRequest) >= w.cfg.BalanceInterval {
			w.balanceDue = false
			lastBalanceRequest = time.Now()
			if err := w.send(ctx, nwc.GetBalanceRequest()); err != nil {
				w.handleError(err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-incoming:
			if ev.closed {
				w.handleSubscriptionClosed(ev)
				continue
			}
			w.handleEvent(ctx, ev.event)
		case <-ticker.C:
		}
	}
}

// connect dials all relays in parallel and returns the ones that answered
// within ConnectTimeout, keyed by their configured URL.
func (w *NWCWallet) connect(ctx context.Context) map[string]Relay {
	var (
		mu        sync.Mutex
		connected = make(map[string]Relay)
		g         errgroup.Group
	)
	for _, url := range w.uri.Relays {
		g.Go(func() error {
			relay, err := w.dial(ctx, url)
			if err != nil {
				w.log.Warn("Relay connect failed", zap.String("relay", url), zap.Error(err))
				return nil
			}
			w.log.Info("Relay connected", zap.String("relay", url))
			mu.Lock()
			connected[url] = relay
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return connected
}

func (w *NWCWallet) dial(ctx context.Context, url string) (Relay, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	defer cancel()
	return w.cfg.Dialer(dialCtx, url)
}

// attach subscribes to responses and notifications addressed to us on relay
// and fans them into out. A relay that refuses the subscription is closed.
func (w *NWCWallet) attach(ctx context.Context, url string, relay Relay, out chan<- relayEvent) error {
	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds:   []int{nwc.KindResponse, nwc.KindNotification},
		Authors: []string{w.uri.WalletPubKey},
		Tags:    nostr.TagMap{"p": []string{w.keys.PubKey}},
		Since:   &since,
	}}

	events, err := relay.Subscribe(ctx, filters)
	if err != nil {
		w.closeRelay(url, relay)
		return fmt.Errorf("subscribe failed: %w", err)
	}
	w.relays[url] = &relaySub{relay: relay, events: events}
	go forwardEvents(ctx, url, events, out)
	return nil
}

// handleSubscriptionClosed drops the relay and schedules a redial. Events
// from a subscription that was already replaced are ignored.
func (w *NWCWallet) handleSubscriptionClosed(ev relayEvent) {
	sub, ok := w.relays[ev.relay]
	if !ok || sub.events != ev.sub {
		return
	}
	delete(w.relays, ev.relay)
	w.closeRelay(ev.relay, sub.relay)
	w.scheduleRedial(ev.relay)
	w.handleError(fmt.Errorf("relay %s: subscription closed, reconnecting", ev.relay))
}

func (w *NWCWallet) scheduleRedial(url string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.ReconnectInitial
	b.MaxInterval = w.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	w.down[url] = &relayRedial{backoff: b, next: time.Now().Add(b.NextBackOff())}
}

// redialDue reconnects and resubscribes every relay whose backoff expired.
// The balance is requested again after a reconnect since notifications may
// have been missed in between.
func (w *NWCWallet) redialDue(ctx context.Context, out chan<- relayEvent) {
	for _, url := range w.uri.Relays {
		redial, ok := w.down[url]
		if !ok || time.Now().Before(redial.next) || !w.IsRunning() {
			continue
		}

		relay, err := w.dial(ctx, url)
		if err == nil {
			err = w.attach(ctx, url, relay, out)
		}
		if err != nil {
			redial.next = time.Now().Add(redial.backoff.NextBackOff())
			w.handleError(fmt.Errorf("relay %s: reconnect failed: %w", url, err))
			continue
		}

		delete(w.down, url)
		w.balanceDue = true
		w.log.Info("Relay reconnected", zap.String("relay", url))
	}
}

func forwardEvents(ctx context.Context, relay string, events <-chan *nostr.Event, out chan<- relayEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			ev := relayEvent{relay: relay, sub: events, event: evt, closed: !ok}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if !ok {
				return
			}
		}
	}
}

func (w *NWCWallet) closeRelay(url string, relay Relay) {
	if err := relay.Close(); err != nil {
		w.log.Debug("Relay close failed", zap.String("relay", url), zap.Error(err))
	}
}

func (w *NWCWallet) closeRelays() {
	for url, sub := range w.relays {
		w.closeRelay(url, sub.relay)
	}
	w.relays = nil
	w.down = nil
}

// send encrypts req for the wallet service and publishes it to every
// subscribed relay. It fails only if no relay accepted it.
func (w *NWCWallet) send(ctx context.Context, req nwc.Request) error {
	payload, err := req.ToJSON()
	if err != nil {
		return err
	}
	content, err := w.conv.Encrypt(string(payload))
	if err != nil {
		return fmt.Errorf("%s request: %w", req.Method, err)
	}

	evt := nostr.Event{
		PubKey:    w.keys.PubKey,
		CreatedAt: nostr.Now(),
		Kind:      nwc.KindRequest,
		Tags:      nostr.Tags{{"p", w.uri.WalletPubKey}},
		Content:   content,
	}
	if err := evt.Sign(w.keys.Secret); err != nil {
		return fmt.Errorf("%s request: failed to sign: %w", req.Method, err)
	}

	var errs []error
	published := 0
	for _, url := range w.uri.Relays {
		sub, ok := w.relays[url]
		if !ok {
			continue
		}
		pubCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
		err := sub.relay.Publish(pubCtx, evt)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		published++
	}
	if published == 0 {
		if len(errs) == 0 {
			return fmt.Errorf("%s request: %w", req.Method, ErrNoRelayConnected)
		}
		return fmt.Errorf("%s request: not published to any relay: %w", req.Method, errors.Join(errs...))
	}
	w.log.Debug("Request published", zap.String("method", req.Method), zap.Int("relays", published))
	return nil
}

// requestTransactions is the payment re-fetch hook. The list arrives later
// as a response event.
func (w *NWCWallet) requestTransactions(ctx context.Context) {
	if err := w.send(ctx, nwc.ListTransactionsRequest(w.cfg.PaymentsLimit)); err != nil {
		w.handleError(err)
	}
}

func (w *NWCWallet) handleEvent(ctx context.Context, evt *nostr.Event) {
	if evt == nil {
		return
	}
	if w.seen.Contains(evt.ID) {
		return
	}

	// Only verified events are remembered, so a forged copy cannot shadow
	// the genuine event with the same id.
	if evt.PubKey != w.uri.WalletPubKey {
		w.log.Debug("Ignoring event from unexpected author", zap.String("pubkey", evt.PubKey))
		return
	}
	if len(evt.ID) != 64 || !evt.CheckID() {
		w.handleError(fmt.Errorf("event %s: id does not match its content", evt.ID))
		return
	}
	if ok, err := evt.CheckSignature(); !ok {
		if err == nil {
			err = errors.New("signature does not verify")
		}
		w.handleError(fmt.Errorf("event %s: invalid signature: %w", evt.ID, err))
		return
	}
	w.seen.Add(evt.ID, struct{}{})

	plaintext, err := w.conv.Decrypt(evt.Content)
	if err != nil {
		w.handleError(fmt.Errorf("event %s: %w", evt.ID, err))
		return
	}
	msg, err := nwc.ParseMessage([]byte(plaintext))
	if err != nil {
		w.handleError(fmt.Errorf("event %s: %w", evt.ID, err))
		return
	}
	w.handleMessage(ctx, msg)
}

func (w *NWCWallet) handleMessage(ctx context.Context, msg *nwc.Message) {
	if msg.Error != nil {
		w.handleError(msg.Error)
		return
	}

	if msat, ok := msg.Balance(); ok {
		w.handleNewBalance(ctx, payment.MsatToSats(msat), true)
		return
	}

	if msg.HasTransactions() {
		set := payment.NewSet()
		for _, tx := range msg.Result.Transactions {
			set.Add(paymentFromTransaction(tx))
		}
		if set.Len() == 0 {
			set.Add(placeholderPayment)
		}
		w.handleNewPayments(set)
		return
	}

	if tx, ok := msg.PaymentNotification(); ok {
		p := paymentFromTransaction(*tx)
		if current := w.Balance(); current == UnknownBalance {
			// Nothing to add the amount to yet.
			w.balanceDue = true
		} else {
			w.handleNewBalance(ctx, current+p.AmountSats, false)
		}
		w.handleNewPayment(p)
		return
	}

	w.log.Info("Ignoring NWC message",
		zap.String("result_type", msg.ResultType),
		zap.String("notification_type", msg.NotificationType))
}

func paymentFromTransaction(tx nwc.Transaction) payment.Payment {
	return payment.Payment{
		EpochTime:  tx.CreatedAt,
		AmountSats: payment.MsatToSats(tx.SignedMsat()),
		Comment:    zapComment(tx.Comment()),
	}
}

// nostrRelay adapts *nostr.Relay to Relay.
type nostrRelay struct {
	relay *nostr.Relay
}

func dialNostrRelay(ctx context.Context, url string) (Relay, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrRelay{relay: relay}, nil
}

func (r *nostrRelay) URL() string { return r.relay.URL }

func (r *nostrRelay) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	sub, err := r.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return sub.Events, nil
}

func (r *nostrRelay) Publish(ctx context.Context, evt nostr.Event) error {
	return r.relay.Publish(ctx, evt)
}

func (r *nostrRelay) Close() error {
	return r.relay.Close()
}
