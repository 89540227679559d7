// Package crypto holds the Nostr key handling used by NWC: secp256k1
// x-only keys and NIP-04 shared-secret encryption.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const KeySize = 32 // secret keys and x-only public keys

var (
	ErrInvalidSecret = errors.New("invalid secret key")
	ErrInvalidPubKey = errors.New("invalid public key")
)

// Keypair is a hex encoded secret key and its x-only public key.
type Keypair struct {
	Secret string
	PubKey string
}

// KeypairFromSecret derives the public key for a 32-byte hex secret.
// The secret must be a valid non-zero scalar below the curve order.
func KeypairFromSecret(secretHex string) (*Keypair, error) {
	raw, err := decodeKey(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: out of range for secp256k1", ErrInvalidSecret)
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Keypair{
		Secret: secretHex,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// ValidatePubKey checks that pubHex is an x-only key of a point on the curve.
func ValidatePubKey(pubHex string) error {
	raw, err := decodeKey(pubHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return nil
}

func decodeKey(h string) ([]byte, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("must be %d bytes (got %d)", KeySize, len(raw))
	}
	return raw, nil
}
