// Package display renders wallet state as the text and images shown on the
// point of sale screen.
package display

import (
	"displaywallet/internal/payment"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

type Unit string

const (
	UnitSats Unit = "sats"
	UnitBTC  Unit = "btc"
)

const (
	UnknownBalanceText = "Unknown balance"
	NoPaymentsText     = "No payments yet"
)

func ParseUnit(s string) (Unit, error) {
	switch Unit(strings.ToLower(strings.TrimSpace(s))) {
	case UnitSats, "":
		return UnitSats, nil
	case UnitBTC:
		return UnitBTC, nil
	default:
		return "", fmt.Errorf("unsupported display unit %q (expected \"sats\" or \"btc\")", s)
	}
}

// FormatBalance renders a balance in sats as "1 sat", "4937 sats" or, in
// BTC, "0.00004937 BTC". Negative values are the unknown balance.
func FormatBalance(sats int64, unit Unit) string {
	if sats < 0 {
		return UnknownBalanceText
	}
	if unit == UnitBTC {
		return FormatBTC(sats) + " BTC"
	}
	if sats == 1 {
		return "1 sat"
	}
	return strconv.FormatInt(sats, 10) + " sats"
}

// FormatBTC prints sats as BTC with up to 8 decimals and no trailing zeros.
func FormatBTC(sats int64) string {
	s := strconv.FormatFloat(btcutil.Amount(sats).ToBTC(), 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// FormatPayments renders one line per payment, newest first.
func FormatPayments(payments []payment.Payment) string {
	text := payment.NewSet(payments...).String()
	if text == "" {
		return NoPaymentsText
	}
	return text
}
