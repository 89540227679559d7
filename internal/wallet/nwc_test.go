package wallet

import (
	"context"
	"displaywallet/internal/crypto"
	"displaywallet/internal/nwc"
	"displaywallet/internal/payment"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNWCService is a wallet service reachable through in-memory relays. It
// uses real keys and NIP-04 encryption, so the wallet under test runs its
// full signing and decryption path.
type fakeNWCService struct {
	t      *testing.T
	keys   *crypto.Keypair
	client *crypto.Keypair
	conv   *crypto.Conversation
	relays []*fakeRelay

	mu           sync.Mutex
	balanceMsat  int64
	transactions string // raw JSON array
	errorCode    string
	answered     map[string]bool
	requests     []nwc.Request
}

func newFakeNWCService(t *testing.T, relayURLs ...string) *fakeNWCService {
	t.Helper()
	keys, err := crypto.KeypairFromSecret(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	client, err := crypto.KeypairFromSecret(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	conv, err := crypto.NewConversation(keys, client.PubKey)
	require.NoError(t, err)

	s := &fakeNWCService{
		t:            t,
		keys:         keys,
		client:       client,
		conv:         conv,
		transactions: "[]",
		answered:     make(map[string]bool),
	}
	for _, url := range relayURLs {
		s.relays = append(s.relays, &fakeRelay{url: url, service: s})
	}
	return s
}

func (s *fakeNWCService) uri() string {
	var b strings.Builder
	b.WriteString("nostr+walletconnect://" + s.keys.PubKey + "?")
	for _, r := range s.relays {
		b.WriteString("relay=" + r.url + "&")
	}
	b.WriteString("secret=" + s.client.Secret + "&lud16=piggy@demo.lnpiggy.com")
	return b.String()
}

func (s *fakeNWCService) dialer() RelayDialer {
	return func(ctx context.Context, url string) (Relay, error) {
		for _, r := range s.relays {
			if r.url == url {
				return r, r.reopen()
			}
		}
		return nil, fmt.Errorf("dial %s: connection refused", url)
	}
}

func (s *fakeNWCService) setBalance(msat int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceMsat = msat
}

func (s *fakeNWCService) failWith(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCode = code
}

func (s *fakeNWCService) Requests() []nwc.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]nwc.Request(nil), s.requests...)
}

// handleRequest answers a published request once, whichever relays it
// arrived on.
func (s *fakeNWCService) handleRequest(evt nostr.Event) {
	s.mu.Lock()
	if s.answered[evt.ID] {
		s.mu.Unlock()
		return
	}
	s.answered[evt.ID] = true
	s.mu.Unlock()

	if ok, _ := evt.CheckSignature(); !ok {
		s.t.Errorf("request %s has an invalid signature", evt.ID)
		return
	}
	plaintext, err := s.conv.Decrypt(evt.Content)
	if err != nil {
		s.t.Errorf("failed to decrypt request: %v", err)
		return
	}
	var req nwc.Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		s.t.Errorf("failed to parse request: %v", err)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	var reply string
	switch {
	case s.errorCode != "":
		reply = fmt.Sprintf(`{"result_type":%q,"error":{"code":%q,"message":"rejected by test"}}`, req.Method, s.errorCode)
	case req.Method == nwc.MethodGetBalance:
		reply = fmt.Sprintf(`{"result_type":"get_balance","result":{"balance":%d}}`, s.balanceMsat)
	case req.Method == nwc.MethodListTransactions:
		reply = fmt.Sprintf(`{"result_type":"list_transactions","result":{"transactions":%s}}`, s.transactions)
	default:
		reply = fmt.Sprintf(`{"result_type":%q,"error":{"code":"NOT_IMPLEMENTED","message":"unknown method"}}`, req.Method)
	}
	s.mu.Unlock()

	s.publish(nwc.KindResponse, reply)
}

// publish signs an encrypted event and delivers it on every relay.
func (s *fakeNWCService) publish(kind int, payload string) {
	evt, err := s.event(kind, payload)
	if err != nil {
		s.t.Errorf("failed to build event: %v", err)
		return
	}
	for _, r := range s.relays {
		e := evt
		r.deliver(&e)
	}
}

func (s *fakeNWCService) event(kind int, payload string) (nostr.Event, error) {
	content, err := s.conv.Encrypt(payload)
	if err != nil {
		return nostr.Event{}, err
	}
	evt := nostr.Event{
		PubKey:    s.keys.PubKey,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{{"p", s.client.PubKey}},
		Content:   content,
	}
	if err := evt.Sign(s.keys.Secret); err != nil {
		return nostr.Event{}, err
	}
	return evt, nil
}

type fakeRelay struct {
	url     string
	service *fakeNWCService

	mu         sync.Mutex
	subs       []chan *nostr.Event
	subscribed int
	closed     bool
	refuse     bool
}

// reopen is the relay side of a dial.
func (r *fakeRelay) reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return fmt.Errorf("dial %s: connection refused", r.url)
	}
	r.closed = false
	return nil
}

func (r *fakeRelay) setRefuse(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = refuse
}

// dropSubscriptions ends every open subscription, like a relay that went away.
func (r *fakeRelay) dropSubscriptions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

func (r *fakeRelay) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

func (r *fakeRelay) URL() string { return r.url }

func (r *fakeRelay) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("relay closed")
	}
	ch := make(chan *nostr.Event, 64)
	r.subs = append(r.subs, ch)
	r.subscribed++
	return ch, nil
}

func (r *fakeRelay) Publish(ctx context.Context, evt nostr.Event) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errors.New("relay closed")
	}
	if evt.Kind == nwc.KindRequest {
		r.service.handleRequest(evt)
	}
	return nil
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRelay) deliver(evt *nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func newTestNWCWallet(t *testing.T, service *fakeNWCService) *NWCWallet {
	t.Helper()
	w, err := NewNWCWallet(NWCConfig{
		URI:              service.uri(),
		BalanceInterval:  time.Hour,
		ConnectTimeout:   time.Second,
		PublishTimeout:   time.Second,
		Tick:             10 * time.Millisecond,
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		Dialer:           service.dialer(),
	})
	require.NoError(t, err)
	return w
}

func TestNWCWallet_BalanceAndNotification(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	service.setBalance(100000)

	rec := &recorder{}
	w := newTestNWCWallet(t, service)
	startWallet(t, w, rec)

	require.Eventually(t, func() bool {
		return len(rec.Deltas()) == 1 && rec.PaymentsCalls() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(100), w.Balance())
	assert.Equal(t, []int64{100}, rec.Deltas())
	assert.Equal(t, []payment.Payment{placeholderPayment}, w.Payments(), "empty history shows the placeholder")
	assert.Equal(t, "piggy@demo.lnpiggy.com", w.StaticReceiveCode())
	assert.Equal(t, 1, rec.StaticCodeCalls())

	requests := service.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, nwc.MethodGetBalance, requests[0].Method)
	assert.Equal(t, nwc.MethodListTransactions, requests[1].Method)
	assert.EqualValues(t, 6, requests[1].Params["limit"])

	service.publish(nwc.KindNotification,
		`{"notification_type":"payment_sent","notification":{"type":"outgoing","amount":21000,"created_at":200,"description":"[[\"text/plain\",\"coffee\"]]"}}`)

	require.Eventually(t, func() bool {
		return len(rec.Deltas()) == 2 && rec.PaymentsCalls() == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(79), w.Balance())
	assert.Equal(t, []int64{100, -21}, rec.Deltas())
	assert.Contains(t, w.Payments(), payment.Payment{EpochTime: 200, AmountSats: -21, Comment: "coffee"})
	assert.Len(t, service.Requests(), 2, "a notification must not trigger a re-fetch")
	assert.Empty(t, rec.Errors())
}

func TestNWCWallet_TransactionHistory(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	service.setBalance(4937000)
	service.transactions = `[
		{"type":"incoming","amount":1000000,"created_at":1711226003,"description":"yes"},
		{"type":"outgoing","amount":"2500","created_at":1711226100,"description":"[[\"text/plain\",\"tip\"]]"}
	]`

	rec := &recorder{}
	w := newTestNWCWallet(t, service)
	startWallet(t, w, rec)

	require.Eventually(t, func() bool { return rec.PaymentsCalls() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []payment.Payment{
		{EpochTime: 1711226100, AmountSats: -3, Comment: "tip"},
		{EpochTime: 1711226003, AmountSats: 1000, Comment: "yes"},
	}, w.Payments(), "newest first")
}

func TestNWCWallet_DeduplicatesAcrossRelays(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one", "wss://fake.two")
	service.setBalance(100000)

	rec := &recorder{}
	w := newTestNWCWallet(t, service)
	startWallet(t, w, rec)

	require.Eventually(t, func() bool { return rec.PaymentsCalls() == 1 }, 5*time.Second, 10*time.Millisecond)

	service.publish(nwc.KindNotification,
		`{"notification":{"type":"outgoing","amount":21000,"created_at":200,"description":"coffee"}}`)

	require.Eventually(t, func() bool { return w.Balance() == 79 }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return w.Balance() != 79 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []int64{100, -21}, rec.Deltas())
	assert.Equal(t, 2, rec.PaymentsCalls())
}

func TestNWCWallet_NoRelayConnected(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	uri := service.uri()
	service.relays = nil // every dial fails

	w, err := NewNWCWallet(NWCConfig{
		URI:            uri,
		ConnectTimeout: time.Second,
		Dialer:         service.dialer(),
	})
	require.NoError(t, err)

	rec := &recorder{}
	startWallet(t, w, rec)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("wallet kept running without relays")
	}
	assert.False(t, w.IsRunning())
	assert.True(t, rec.hasError(ErrNoRelayConnected))
	assert.Equal(t, "piggy@demo.lnpiggy.com", w.StaticReceiveCode(), "static code is known without relays")
}

func TestNWCWallet_ServiceError(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	service.failWith("UNAUTHORIZED")

	rec := &recorder{}
	w := newTestNWCWallet(t, service)
	startWallet(t, w, rec)

	require.Eventually(t, func() bool { return rec.hasErrorContaining("UNAUTHORIZED") }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, w.IsRunning())
	assert.Equal(t, UnknownBalance, w.Balance())
	assert.Empty(t, rec.Deltas())
}

func TestNWCWallet_NotificationWithUnknownBalance(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	w := newTestNWCWallet(t, service)
	rec := &recorder{}
	startIdle(t, w.core, rec.callbacks())

	msg, err := nwc.ParseMessage([]byte(`{"notification":{"type":"incoming","amount":5000,"created_at":300,"description":"tip"}}`))
	require.NoError(t, err)
	w.handleMessage(context.Background(), msg)

	assert.True(t, w.balanceDue, "balance must be requested again")
	assert.Equal(t, UnknownBalance, w.Balance())
	assert.Empty(t, rec.Deltas())
	assert.Equal(t, []payment.Payment{{EpochTime: 300, AmountSats: 5, Comment: "tip"}}, w.Payments())
	assert.Equal(t, 1, rec.PaymentsCalls())
}

func TestNWCWallet_RejectsForeignEvents(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	w := newTestNWCWallet(t, service)
	rec := &recorder{}
	startIdle(t, w.core, rec.callbacks())
	ctx := context.Background()

	// Signed by someone other than the wallet service.
	mallory, err := crypto.KeypairFromSecret(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	malloryConv, err := crypto.NewConversation(mallory, service.client.PubKey)
	require.NoError(t, err)
	content, err := malloryConv.Encrypt(`{"result_type":"get_balance","result":{"balance":999000}}`)
	require.NoError(t, err)
	foreign := nostr.Event{
		PubKey:    mallory.PubKey,
		CreatedAt: nostr.Now(),
		Kind:      nwc.KindResponse,
		Tags:      nostr.Tags{{"p", service.client.PubKey}},
		Content:   content,
	}
	require.NoError(t, foreign.Sign(mallory.Secret))
	w.handleEvent(ctx, &foreign)

	assert.Equal(t, UnknownBalance, w.Balance())
	assert.Empty(t, rec.Errors())

	// Right author, content changed after signing.
	tampered, err := service.event(nwc.KindResponse, `{"result_type":"get_balance","result":{"balance":1000}}`)
	require.NoError(t, err)
	other, err := service.conv.Encrypt(`{"result_type":"get_balance","result":{"balance":999000}}`)
	require.NoError(t, err)
	tampered.Content = other
	w.handleEvent(ctx, &tampered)

	assert.Equal(t, UnknownBalance, w.Balance())
	assert.True(t, rec.hasErrorContaining("id does not match"))

	// Accepted once, ignored when seen again.
	valid, err := service.event(nwc.KindResponse, `{"result_type":"get_balance","result":{"balance":1000}}`)
	require.NoError(t, err)
	w.handleEvent(ctx, &valid)
	w.handleEvent(ctx, &valid)
	assert.Equal(t, int64(1), w.Balance())
	assert.Equal(t, []int64{1}, rec.Deltas())
}

func TestNWCWallet_ForgedCopyDoesNotShadowEvent(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	w := newTestNWCWallet(t, service)
	rec := &recorder{}
	startIdle(t, w.core, rec.callbacks())
	ctx := context.Background()

	w.handleNewBalance(ctx, 100, false)

	genuine, err := service.event(nwc.KindNotification,
		`{"notification":{"type":"incoming","amount":5000,"created_at":300,"description":"tip"}}`)
	require.NoError(t, err)

	// Same id and content, broken signature.
	badSig := genuine
	badSig.Sig = flipLastHex(genuine.Sig)
	w.handleEvent(ctx, &badSig)

	// Same id and signature, different content.
	badContent := genuine
	badContent.Content, err = service.conv.Encrypt(
		`{"notification":{"type":"incoming","amount":900000,"created_at":300,"description":"tip"}}`)
	require.NoError(t, err)
	w.handleEvent(ctx, &badContent)

	assert.Equal(t, int64(100), w.Balance())
	assert.True(t, rec.hasErrorContaining("invalid signature"))
	assert.True(t, rec.hasErrorContaining("id does not match"))

	w.handleEvent(ctx, &genuine)
	assert.Equal(t, int64(105), w.Balance(), "the genuine event still counts")
	assert.Equal(t, []int64{100, 5}, rec.Deltas())
	assert.Equal(t, []payment.Payment{{EpochTime: 300, AmountSats: 5, Comment: "tip"}}, w.Payments())
}

func flipLastHex(s string) string {
	last := s[len(s)-1]
	if last == '0' {
		return s[:len(s)-1] + "1"
	}
	return s[:len(s)-1] + "0"
}

func TestNWCWallet_ResubscribesAfterRelayDrop(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	service.setBalance(100000)
	relay := service.relays[0]

	rec := &recorder{}
	w := newTestNWCWallet(t, service)
	startWallet(t, w, rec)

	require.Eventually(t, func() bool {
		return len(rec.Deltas()) == 1 && rec.PaymentsCalls() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, relay.Subscriptions())

	// The relay goes away and refuses the first redials.
	relay.setRefuse(true)
	relay.dropSubscriptions()

	require.Eventually(t, func() bool {
		return rec.hasErrorContaining("reconnect failed")
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.hasErrorContaining("subscription closed"))
	assert.True(t, w.IsRunning(), "a dropped relay does not stop the wallet")

	relay.setRefuse(false)
	require.Eventually(t, func() bool {
		return relay.Subscriptions() == 2 && len(service.Requests()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, nwc.MethodGetBalance, service.Requests()[2].Method, "balance is refreshed after reconnecting")

	service.publish(nwc.KindNotification,
		`{"notification":{"type":"incoming","amount":5000,"created_at":300,"description":"tip"}}`)

	require.Eventually(t, func() bool { return w.Balance() == 105 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{100, 5}, rec.Deltas())
	assert.True(t, w.IsRunning())
}

func TestNewNWCWallet_Validation(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	curveOrderOverflow := strings.Repeat("f", 64)

	tests := []struct {
		name   string
		uri    string
		target error
	}{
		{"Empty URI", "", nwc.ErrInvalidURI},
		{"Wrong scheme", "https://example.com", nwc.ErrInvalidURI},
		{"Missing secret", "nostr+walletconnect://" + service.keys.PubKey + "?relay=wss://fake.one", nwc.ErrInvalidURI},
		{"Pubkey not on curve", "nostr+walletconnect://" + strings.Repeat("f", 64) + "?relay=wss://fake.one&secret=" + service.client.Secret, crypto.ErrInvalidPubKey},
		{"Secret out of range", "nostr+walletconnect://" + service.keys.PubKey + "?relay=wss://fake.one&secret=" + curveOrderOverflow, crypto.ErrInvalidSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNWCWallet(NWCConfig{URI: tt.uri})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestNWCWallet_StaticReceiveCodeOverride(t *testing.T) {
	service := newFakeNWCService(t, "wss://fake.one")
	w, err := NewNWCWallet(NWCConfig{
		URI:               service.uri(),
		StaticReceiveCode: "  tips@demo.lnpiggy.com ",
		BalanceInterval:   time.Hour,
		Tick:              10 * time.Millisecond,
		Dialer:            service.dialer(),
	})
	require.NoError(t, err)
	assert.Equal(t, BackendNWC, w.Backend())
	assert.Equal(t, 6, w.cfg.PaymentsLimit)

	rec := &recorder{}
	startWallet(t, w, rec)

	require.Eventually(t, func() bool { return rec.StaticCodeCalls() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "tips@demo.lnpiggy.com", w.StaticReceiveCode())
}
