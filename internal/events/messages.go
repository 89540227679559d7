// Package events defines the messages a running wallet publishes to the
// host's event stream.
package events

import (
	"displaywallet/internal/payment"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindBalanceChanged    Kind = "balance_changed"
	KindPaymentsChanged   Kind = "payments_changed"
	KindStaticCodeChanged Kind = "static_code_changed"
	KindWalletError       Kind = "wallet_error"
)

// Message is one wallet state change. Which optional fields are set
// depends on Kind.
type Message struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Backend    string    `json:"backend"`
	OccurredAt time.Time `json:"occurred_at"`

	DeltaSats    *int64  `json:"delta_sats,omitempty"`
	BalanceSats  *int64  `json:"balance_sats,omitempty"`
	BalanceText  string  `json:"balance_text,omitempty"`
	FiatValue    float64 `json:"fiat_value,omitempty"`
	FiatCurrency string  `json:"fiat_currency,omitempty"`

	Payments   []payment.Payment `json:"payments,omitempty"`
	StaticCode string            `json:"static_code,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func newMessage(kind Kind, backend string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		Backend:    backend,
		OccurredAt: time.Now().UTC(),
	}
}

func NewBalanceChanged(backend string, delta, balance int64, balanceText string) *Message {
	m := newMessage(KindBalanceChanged, backend)
	m.DeltaSats = &delta
	m.BalanceSats = &balance
	m.BalanceText = balanceText
	return m
}

func NewPaymentsChanged(backend string, payments []payment.Payment) *Message {
	m := newMessage(KindPaymentsChanged, backend)
	m.Payments = payments
	return m
}

func NewStaticCodeChanged(backend, code string) *Message {
	m := newMessage(KindStaticCodeChanged, backend)
	m.StaticCode = code
	return m
}

func NewWalletError(backend string, err error) *Message {
	m := newMessage(KindWalletError, backend)
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

// WithFiat attaches the fiat value of the balance.
func (m *Message) WithFiat(value float64, currency string) *Message {
	m.FiatValue = value
	m.FiatCurrency = currency
	return m
}

// ToJSON serializes the Message to JSON bytes.
func (m *Message) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", m.Kind, err)
	}
	return data, nil
}

// FromJSON deserializes JSON bytes into a Message and validates it.
func FromJSON(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet event: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks the common fields and the ones required by Kind.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("id must be a UUID (got %q)", m.ID)
	}
	if m.Backend == "" {
		return errors.New("backend is required")
	}
	if m.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	if m.FiatCurrency != "" && len(m.FiatCurrency) != 3 {
		return fmt.Errorf("fiat_currency must be 3 characters (got %q)", m.FiatCurrency)
	}

	switch m.Kind {
	case KindBalanceChanged:
		if m.DeltaSats == nil {
			return errors.New("delta_sats is required for balance_changed")
		}
		if m.BalanceSats == nil {
			return errors.New("balance_sats is required for balance_changed")
		}
		if *m.BalanceSats < 0 {
			return fmt.Errorf("balance_sats must not be negative (got %d)", *m.BalanceSats)
		}
	case KindPaymentsChanged:
		// An empty list is a valid state.
	case KindStaticCodeChanged:
		if m.StaticCode == "" {
			return errors.New("static_code is required for static_code_changed")
		}
	case KindWalletError:
		if m.Error == "" {
			return errors.New("error is required for wallet_error")
		}
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	return nil
}
