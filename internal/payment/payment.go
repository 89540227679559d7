package payment

import (
	"cmp"
	"fmt"
	"strings"
)

// Payment is one ledger entry as shown on the display. AmountSats is
// negative for outgoing payments.
type Payment struct {
	EpochTime  int64  `json:"epoch_time"`
	AmountSats int64  `json:"amount_sats"`
	Comment    string `json:"comment"`
}

// Compare orders payments by (EpochTime, AmountSats, Comment) ascending.
// It returns -1, 0 or +1.
func Compare(a, b Payment) int {
	if c := cmp.Compare(a.EpochTime, b.EpochTime); c != 0 {
		return c
	}
	if c := cmp.Compare(a.AmountSats, b.AmountSats); c != 0 {
		return c
	}
	return strings.Compare(a.Comment, b.Comment)
}

// String renders the payment as a single display line, e.g. "+64 sats: test".
func (p Payment) String() string {
	unit := "sats"
	if p.AmountSats == 1 || p.AmountSats == -1 {
		unit = "sat"
	}
	line := fmt.Sprintf("%+d %s", p.AmountSats, unit)
	if p.Comment != "" {
		line += ": " + p.Comment
	}
	return line
}

// MsatToSats converts millisatoshis to whole sats, rounding half away from
// zero: 4936500 -> 4937, -500 -> -1.
func MsatToSats(msat int64) int64 {
	if msat < 0 {
		return -((-msat + 500) / 1000)
	}
	return (msat + 500) / 1000
}

// MsatToSatsFloat is MsatToSats for backends that report msat as a JSON
// number with a fractional part.
func MsatToSatsFloat(msat float64) int64 {
	if msat < 0 {
		return -int64(-msat/1000 + 0.5)
	}
	return int64(msat/1000 + 0.5)
}
