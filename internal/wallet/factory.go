package wallet

import (
	"displaywallet/config"
	"net/http"
)

// New builds the wallet selected by cfg.Wallet.Type. Backend parameters are
// validated by the backend constructor.
func New(cfg *config.DisplayConfig) (Wallet, error) {
	backend, err := ParseBackend(cfg.Wallet.Type)
	if err != nil {
		return nil, err
	}

	switch backend {
	case BackendLNBits:
		var client *http.Client
		if timeout := cfg.LNBitsRequestTimeout(); timeout > 0 {
			client = &http.Client{Timeout: timeout}
		}
		w, err := NewLNBitsWallet(LNBitsConfig{
			URL:           cfg.LNBits.URL,
			ReadKey:       cfg.LNBits.ReadKey,
			PaymentsLimit: cfg.LNBits.PaymentsLimit,
			PollInterval:  cfg.LNBitsPollInterval(),
			HTTPClient:    client,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		w, err := NewNWCWallet(NWCConfig{
			URI:               cfg.NWC.URL,
			StaticReceiveCode: cfg.NWC.StaticReceiveCode,
			PaymentsLimit:     cfg.NWC.PaymentsLimit,
			BalanceInterval:   cfg.NWCBalanceInterval(),
			ConnectTimeout:    cfg.NWCConnectTimeout(),
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
