package nwc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event kinds used by NIP-47.
const (
	KindRequest      = 23194
	KindResponse     = 23195
	KindNotification = 23196
)

const (
	MethodGetBalance       = "get_balance"
	MethodListTransactions = "list_transactions"
)

const (
	TypeIncoming = "incoming"
	TypeOutgoing = "outgoing"
)

type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func GetBalanceRequest() Request {
	return Request{Method: MethodGetBalance, Params: map[string]any{}}
}

func ListTransactionsRequest(limit int) Request {
	return Request{Method: MethodListTransactions, Params: map[string]any{"limit": limit}}
}

func (r Request) ToJSON() ([]byte, error) {
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", r.Method, err)
	}
	return data, nil
}

// Msat is a millisatoshi amount. Wallet services disagree on whether to send
// integers, floats or numeric strings, so all three are accepted.
type Msat int64

func (m *Msat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*m = Msat(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid msat amount %s", data)
	}
	*m = Msat(f)
	return nil
}

type Transaction struct {
	Type        string `json:"type"`
	Invoice     string `json:"invoice,omitempty"`
	Description string `json:"description"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Amount      Msat   `json:"amount"`
	FeesPaid    Msat   `json:"fees_paid,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	SettledAt   *int64 `json:"settled_at,omitempty"`
}

// SignedMsat returns the amount with outgoing payments negated. Services
// that already send negative amounts for outgoing payments are left as is.
func (t Transaction) SignedMsat() int64 {
	amount := int64(t.Amount)
	if t.Type == TypeOutgoing && amount > 0 {
		return -amount
	}
	return amount
}

// Comment extracts the human readable text of the description. Some
// services put the LNURL metadata array there, e.g.
// [["text/plain","coffee"],["text/identifier","x@y.com"]].
func (t Transaction) Comment() string {
	return DescriptionText(t.Description)
}

func DescriptionText(description string) string {
	trimmed := strings.TrimSpace(description)
	if !strings.HasPrefix(trimmed, "[") {
		return description
	}
	var pairs [][]any
	if err := json.Unmarshal([]byte(trimmed), &pairs); err != nil {
		return description
	}
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		tag, _ := pair[0].(string)
		value, ok := pair[1].(string)
		if tag == "text/plain" && ok {
			return value
		}
	}
	return description
}

type Result struct {
	Balance      *Msat         `json:"balance,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

// Error is the error object of a NIP-47 response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("NWC wallet service error %s: %s", e.Code, e.Message)
}

// Message is a decrypted response or notification payload.
type Message struct {
	ResultType       string       `json:"result_type,omitempty"`
	Result           *Result      `json:"result,omitempty"`
	Error            *Error       `json:"error,omitempty"`
	NotificationType string       `json:"notification_type,omitempty"`
	Notification     *Transaction `json:"notification,omitempty"`
}

// ParseMessage decodes a decrypted NWC payload.
func ParseMessage(plaintext []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(plaintext, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal NWC message: %w", err)
	}
	return msg, nil
}

// Balance returns the reported balance in msat, if any.
func (m *Message) Balance() (int64, bool) {
	if m.Result == nil || m.Result.Balance == nil {
		return 0, false
	}
	return int64(*m.Result.Balance), true
}

// HasTransactions reports whether the message is a list_transactions result,
// including an empty one.
func (m *Message) HasTransactions() bool {
	return m.Result != nil && m.Result.Transactions != nil
}

// PaymentNotification returns the notification when it describes an
// incoming or outgoing payment.
func (m *Message) PaymentNotification() (*Transaction, bool) {
	if m.Notification == nil {
		return nil, false
	}
	switch m.Notification.Type {
	case TypeIncoming, TypeOutgoing:
		return m.Notification, true
	}
	return nil, false
}
