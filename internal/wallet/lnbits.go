package wallet

import (
	"context"
	"displaywallet/internal/payment"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	lnbitsWalletPath   = "/api/v1/wallet"
	lnbitsPaymentsPath = "/api/v1/payments"
	lnbitsLinksPath    = "/lnurlp/api/v1/links"
	lnbitsSocketPath   = "/api/v1/ws/"

	maxResponseBytes = 1 << 20
)

// Shown when the wallet has no payments yet so the list is never empty.
var placeholderPayment = payment.Payment{EpochTime: 1751987292, AmountSats: 0, Comment: "Time to Start Stacking!"}

type LNBitsConfig struct {
	URL     string
	ReadKey string

	PaymentsLimit int           // default 6
	PollInterval  time.Duration // default 60s
	Tick          time.Duration // default 100ms

	// Websocket reconnect backoff, default 1s growing to 5m.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	HTTPClient *http.Client      // default: 10s timeout
	Dialer     *websocket.Dialer // default: 10s handshake timeout
}

type LNBitsWallet struct {
	*core
	cfg     LNBitsConfig
	baseURL string
	wsURL   string
	wsLog   string // wsURL with the read key masked
}

// NewLNBitsWallet validates cfg and returns a stopped wallet. No network
// activity happens before Start.
func NewLNBitsWallet(cfg LNBitsConfig) (*LNBitsWallet, error) {
	rawURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if rawURL == "" {
		return nil, fmt.Errorf("%w: LNBits URL is not set", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ReadKey) == "" {
		return nil, fmt.Errorf("%w: LNBits read key is not set", ErrInvalidConfig)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: LNBits URL %q: %v", ErrInvalidConfig, rawURL, err)
	}
	var wsScheme string
	switch u.Scheme {
	case "http":
		wsScheme = "ws"
	case "https":
		wsScheme = "wss"
	default:
		return nil, fmt.Errorf("%w: LNBits URL %q must start with http:// or https://", ErrInvalidConfig, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: LNBits URL %q has no host", ErrInvalidConfig, rawURL)
	}

	cfg.ReadKey = strings.TrimSpace(cfg.ReadKey)
	cfg.PaymentsLimit = paymentsLimit(cfg.PaymentsLimit)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
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
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	ws := *u
	ws.Scheme = wsScheme
	ws.Path = strings.TrimRight(u.Path, "/") + lnbitsSocketPath + cfg.ReadKey
	ws.RawPath = ""
	wsURL := ws.String()

	w := &LNBitsWallet{
		core:    newCore(BackendLNBits),
		cfg:     cfg,
		baseURL: rawURL,
		wsURL:   wsURL,
		wsLog:   wsURL[:strings.LastIndex(wsURL, lnbitsSocketPath)+len(lnbitsSocketPath)] + "***",
	}
	w.fetchPayments = w.refetchPayments
	return w, nil
}

func (w *LNBitsWallet) Start(cb Callbacks) error {
	return w.start(cb, w.run)
}

// socketEvent is one frame, or the terminal read error, of a websocket
// connection. conn identifies the connection it came from.
type socketEvent struct {
	conn *websocket.Conn
	data []byte
	err  error
}

func (w *LNBitsWallet) run(ctx context.Context) {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = w.cfg.ReconnectInitial
	reconnect.MaxInterval = w.cfg.ReconnectMax
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	events := make(chan socketEvent, 16)
	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			w.closeSocket(conn)
		}
	}()

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	var lastPoll, nextDial time.Time
	reachable := false
	for w.IsRunning() {
		if lastPoll.IsZero() || time.Since(lastPoll) >= w.cfg.PollInterval {
			if w.poll(ctx) {
				reachable = true
			}
			lastPoll = time.Now()
		}

		// The socket is first opened once a balance fetch succeeded and is
		// reopened with backoff whenever it fails or drops.
		if reachable && conn == nil && w.IsRunning() && !time.Now().Before(nextDial) {
			c, err := w.dial(ctx)
			if err != nil {
				w.handleError(err)
				nextDial = time.Now().Add(reconnect.NextBackOff())
			} else {
				reconnect.Reset()
				conn = c
				go readSocket(ctx, conn, events)
			}
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.conn != conn {
				continue
			}
			if ev.err != nil {
				w.closeSocket(conn)
				conn = nil
				w.handleError(fmt.Errorf("LNBits websocket closed: %w", ev.err))
				nextDial = time.Now().Add(reconnect.NextBackOff())
				continue
			}
			w.handleSocketMessage(ctx, ev.data)
		case <-ticker.C:
		}
	}
}

// poll refreshes the balance and, until one is known, the static code. It
// reports whether the balance fetch succeeded.
func (w *LNBitsWallet) poll(ctx context.Context) bool {
	err := w.fetchBalance(ctx)
	if err != nil {
		w.handleError(err)
	}
	if w.StaticReceiveCode() == "" && w.IsRunning() {
		code, err := w.fetchStaticCode(ctx)
		if err != nil {
			w.handleError(err)
		} else {
			w.handleNewStaticReceiveCode(code)
		}
	}
	return err == nil
}

type lnbitsWalletReply struct {
	Balance *json.Number `json:"balance"`
	Detail  string       `json:"detail"`
}

func (w *LNBitsWallet) fetchBalance(ctx context.Context) error {
	var reply lnbitsWalletReply
	if err := w.get(ctx, lnbitsWalletPath, &reply); err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if reply.Balance == nil {
		if reply.Detail != "" {
			return fmt.Errorf("fetch balance: LNBits backend replied: %s", reply.Detail)
		}
		return errors.New("fetch balance: response has no balance field")
	}

	sats, err := msatNumberToSats(*reply.Balance)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	w.handleNewBalance(ctx, sats, true)
	return nil
}

func (w *LNBitsWallet) fetchStaticCode(ctx context.Context) (string, error) {
	var links []struct {
		LNURL string `json:"lnurl"`
	}
	if err := w.get(ctx, lnbitsLinksPath+"?all_wallets=false", &links); err != nil {
		return "", fmt.Errorf("fetch static receive code: %w", err)
	}
	if len(links) == 0 || links[0].LNURL == "" {
		return "", errors.New("no static receive code found on server")
	}
	return links[0].LNURL, nil
}

// refetchPayments replaces the payment list with the latest N payments.
func (w *LNBitsWallet) refetchPayments(ctx context.Context) {
	var raw []json.RawMessage
	path := fmt.Sprintf("%s?limit=%d", lnbitsPaymentsPath, w.cfg.PaymentsLimit)
	if err := w.get(ctx, path, &raw); err != nil {
		w.handleError(fmt.Errorf("fetch payments: %w", err))
		return
	}

	set := payment.NewSet()
	if len(raw) == 0 {
		set.Add(placeholderPayment)
	}
	for _, item := range raw {
		p, err := parseLNBitsPayment(item)
		if err != nil {
			w.handleError(fmt.Errorf("fetch payments: %w", err))
			continue
		}
		set.Add(p)
	}
	if set.Len() == 0 {
		return
	}
	w.handleNewPayments(set)
}

// get performs an authenticated GET against the LNBits API and decodes the
// JSON body into target.
func (w *LNBitsWallet) get(ctx context.Context, path string, target any) error {
	endpoint := w.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", w.cfg.ReadKey)
	req.Header.Set("Accept", "application/json")

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("GET %s: failed to read response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
			return fmt.Errorf("LNBits backend replied: %s", detail.Detail)
		}
		return fmt.Errorf("LNBits backend replied: status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("could not parse response from %s as JSON: %w", endpoint, err)
	}
	return nil
}

func (w *LNBitsWallet) dial(ctx context.Context) (*websocket.Conn, error) {
	w.log.Info("Opening websocket for payment notifications", zap.String("url", w.wsLog))

	conn, _, err := w.cfg.Dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("LNBits websocket connect to %s failed: %w", w.wsLog, err)
	}
	return conn, nil
}

func (w *LNBitsWallet) closeSocket(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err := conn.Close(); err != nil {
		w.log.Debug("Websocket close failed", zap.Error(err))
	}
}

// readSocket forwards frames until the connection fails. It only does I/O;
// the wallet goroutine handles the frames.
func readSocket(ctx context.Context, conn *websocket.Conn, out chan<- socketEvent) {
	for {
		_, data, err := conn.ReadMessage()
		select {
		case out <- socketEvent{conn: conn, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

type lnbitsPush struct {
	WalletBalance *json.Number    `json:"wallet_balance"`
	Payment       json.RawMessage `json:"payment"`
}

// handleSocketMessage applies a push such as
// {"wallet_balance": 4936, "payment": {"amount": 1000000, "memo": "...", ...}}.
// The payment is known here, so the balance change does not re-fetch.
func (w *LNBitsWallet) handleSocketMessage(ctx context.Context, data []byte) {
	var push lnbitsPush
	if err := json.Unmarshal(data, &push); err != nil {
		w.handleError(fmt.Errorf("LNBits websocket: malformed message: %w", err))
		return
	}

	if push.WalletBalance != nil {
		balance, err := numberToInt(*push.WalletBalance)
		if err != nil {
			w.handleError(fmt.Errorf("LNBits websocket: wallet_balance: %w", err))
		} else {
			w.handleNewBalance(ctx, balance, false)
		}
	}

	if len(push.Payment) == 0 || string(push.Payment) == "null" {
		return
	}
	p, err := parseLNBitsPayment(push.Payment)
	if err != nil {
		w.handleError(fmt.Errorf("LNBits websocket: %w", err))
		return
	}
	w.handleNewPayment(p)
}

type lnbitsPayment struct {
	Amount *json.Number     `json:"amount"`
	Memo   string           `json:"memo"`
	Time   json.RawMessage  `json:"time"`
	Extra  *json.RawMessage `json:"extra"`
}

func parseLNBitsPayment(raw json.RawMessage) (payment.Payment, error) {
	var tx lnbitsPayment
	if err := json.Unmarshal(raw, &tx); err != nil {
		return payment.Payment{}, fmt.Errorf("malformed payment: %w", err)
	}
	if tx.Amount == nil {
		return payment.Payment{}, errors.New("malformed payment: missing amount")
	}
	amount, err := msatNumberToSats(*tx.Amount)
	if err != nil {
		return payment.Payment{}, fmt.Errorf("malformed payment amount: %w", err)
	}
	epoch, err := parseLNBitsTime(tx.Time)
	if err != nil {
		return payment.Payment{}, fmt.Errorf("malformed payment time: %w", err)
	}

	comment := tx.Memo
	if tx.Extra != nil {
		if c := extraComment(*tx.Extra); c != "" {
			comment = c
		}
	}
	return payment.Payment{
		EpochTime:  epoch,
		AmountSats: amount,
		Comment:    zapComment(comment),
	}, nil
}

// extraComment reads extra.comment, which is a string on current LNBits and
// a list of strings on some 0.x versions.
func extraComment(extra json.RawMessage) string {
	var fields struct {
		Comment json.RawMessage `json:"comment"`
	}
	if json.Unmarshal(extra, &fields) != nil || len(fields.Comment) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(fields.Comment, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(fields.Comment, &list) == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

var lnbitsTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseLNBitsTime accepts epoch seconds (integer or float) or a timestamp
// string. Strings without a zone are UTC.
func parseLNBitsTime(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing time")
	}

	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return numberToInt(n)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unsupported time %s", raw)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(v), nil
	}
	for _, layout := range lnbitsTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unsupported time %q", s)
}

func msatNumberToSats(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return payment.MsatToSats(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid msat amount %q", n.String())
	}
	return payment.MsatToSatsFloat(f), nil
}

func numberToInt(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", n.String())
	}
	return int64(f), nil
}
