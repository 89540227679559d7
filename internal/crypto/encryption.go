package crypto

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
)

var ErrDecrypt = errors.New("decryption failed")

// Conversation encrypts and decrypts NIP-04 content between a local secret
// key and one remote public key. The shared secret is computed once.
type Conversation struct {
	shared []byte
}

func NewConversation(local *Keypair, remotePubKey string) (*Conversation, error) {
	if local == nil {
		return nil, fmt.Errorf("%w: no local keypair", ErrInvalidSecret)
	}
	if err := ValidatePubKey(remotePubKey); err != nil {
		return nil, err
	}

	shared, err := nip04.ComputeSharedSecret(remotePubKey, local.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	return &Conversation{shared: shared}, nil
}

// Encrypt returns NIP-04 content: base64 ciphertext + "?iv=" + base64 IV.
func (c *Conversation) Encrypt(plaintext string) (string, error) {
	content, err := nip04.Encrypt(plaintext, c.shared)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	return content, nil
}

func (c *Conversation) Decrypt(content string) (string, error) {
	plaintext, err := nip04.Decrypt(content, c.shared)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
