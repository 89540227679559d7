// Package nwc parses Nostr Wallet Connect connection strings and the
// JSON payloads exchanged with a wallet service.
package nwc

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

var ErrInvalidURI = errors.New("invalid NWC URI")

// Accepted scheme prefixes, longest first so "nwc://" wins over "nwc:".
var schemes = []string{
	"nostr+walletconnect://",
	"nostr+walletconnect:",
	"nwc://",
	"nwc:",
}

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ConnectionURI is a parsed nostr+walletconnect:// string.
type ConnectionURI struct {
	WalletPubKey string
	Relays       []string
	Secret       string
	Lud16        string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidURI, fmt.Sprintf(format, args...))
}

// ParseURI validates and splits an NWC connection string. The whole string
// is percent-decoded before it is split on '?' and '&'.
func ParseURI(raw string) (*ConnectionURI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, invalid("empty")
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, invalid("percent-decoding failed: %v", err)
	}

	rest := ""
	for _, scheme := range schemes {
		if len(decoded) >= len(scheme) && strings.EqualFold(decoded[:len(scheme)], scheme) {
			rest = decoded[len(scheme):]
			break
		}
	}
	if rest == "" {
		return nil, invalid("must start with nostr+walletconnect:// or nwc:")
	}

	pubkey, query, _ := strings.Cut(rest, "?")
	pubkey = strings.TrimSuffix(pubkey, "/")
	if !hex64.MatchString(pubkey) {
		return nil, invalid("pubkey must be 64 lowercase hex characters (got %d characters)", len(pubkey))
	}

	uri := &ConnectionURI{WalletPubKey: pubkey}
	for _, param := range strings.Split(query, "&") {
		if param == "" {
			continue
		}
		key, value, _ := strings.Cut(param, "=")
		switch key {
		case "relay":
			if err := validateRelay(value); err != nil {
				return nil, err
			}
			if !slices.Contains(uri.Relays, value) {
				uri.Relays = append(uri.Relays, value)
			}
		case "secret":
			if !hex64.MatchString(value) {
				return nil, invalid("secret must be 64 lowercase hex characters (got %d characters)", len(value))
			}
			uri.Secret = value
		case "lud16":
			uri.Lud16 = value
		}
	}

	if len(uri.Relays) == 0 {
		return nil, invalid("at least one relay is required")
	}
	if uri.Secret == "" {
		return nil, invalid("secret is required")
	}
	return uri, nil
}

func validateRelay(relay string) error {
	u, err := url.Parse(relay)
	if err != nil {
		return invalid("relay %q: %v", relay, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return invalid("relay %q must use ws:// or wss://", relay)
	}
	if u.Host == "" {
		return invalid("relay %q has no host", relay)
	}
	return nil
}

// String renders the URI without the secret, safe for logs.
func (u *ConnectionURI) String() string {
	var b strings.Builder
	b.WriteString("nostr+walletconnect://")
	b.WriteString(u.WalletPubKey)
	sep := "?"
	for _, r := range u.Relays {
		b.WriteString(sep + "relay=" + r)
		sep = "&"
	}
	if u.Lud16 != "" {
		b.WriteString(sep + "lud16=" + u.Lud16)
	}
	return b.String()
}
