package wallet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/congo-pay/textpay/internal/settlement"
	"github.com/congo-pay/textpay/internal/vault"
)

// Service provisions custodial keypairs and lends decrypted keys to a single signing call.
type Service struct {
	vault *vault.Vault
}

// NewService builds a wallet service over the key vault.
func NewService(v *vault.Vault) *Service {
	return &Service{vault: v}
}

// Provision generates a fresh keypair and seals the private key, bound to its address.
func (s *Service) Provision() (Custody, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Custody{}, fmt.Errorf("generate keypair: %w", err)
	}
	defer vault.Zero(priv)

	address := priv.PublicKey().String()
	blob, err := s.vault.Encrypt(priv, []byte(address))
	if err != nil {
		return Custody{}, fmt.Errorf("seal key: %w", err)
	}
	return Custody{Address: address, EncryptedKey: blob}, nil
}

// WithSigner decrypts the key for address, verifies it derives that address, runs fn
// and zeroes the key before returning. fn must not retain the signer.
func (s *Service) WithSigner(address string, blob []byte, fn func(settlement.Signer) error) error {
	key, err := s.vault.Decrypt(blob, []byte(address))
	if err != nil {
		return err
	}
	defer vault.Zero(key)

	if len(key) != ed25519.PrivateKeySize {
		return vault.ErrKeyCorruption
	}
	priv := solana.PrivateKey(key)
	if priv.PublicKey().String() != address {
		return vault.ErrKeyCorruption
	}
	return fn(settlement.Signer{Address: address, Key: priv})
}
