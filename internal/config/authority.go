/**
 * @description
 * This file resolves the server's escrow authority keypair from configuration.
 * The key may be supplied either as a BIP-39 mnemonic or as a base58-encoded
 * 64-byte secret key. The mnemonic path derives an ed25519 key from the first
 * 32 bytes of the BIP-39 seed, matching how browser wallets export the
 * default account.
 *
 * @dependencies
 * - github.com/tyler-smith/go-bip39: Mnemonic to seed derivation.
 * - github.com/mr-tron/base58: Secret key decoding.
 * - github.com/gagliardetto/solana-go: The PrivateKey type used downstream.
 */

package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// ErrNoAuthorityKey is returned when neither an authority mnemonic nor a
// secret key is configured.
var ErrNoAuthorityKey = errors.New("config: no authority key configured")

// ResolveAuthorityKey produces the escrow authority private key from the
// loaded configuration. A configured secret key takes precedence over a
// mnemonic.
func ResolveAuthorityKey(cfg Config) (solana.PrivateKey, error) {
	if secret := strings.TrimSpace(cfg.AuthoritySecretKey); secret != "" {
		return authorityFromSecretKey(secret)
	}
	if mnemonic := strings.TrimSpace(cfg.AuthorityMnemonic); mnemonic != "" {
		return authorityFromMnemonic(mnemonic)
	}
	return nil, ErrNoAuthorityKey
}

func authorityFromSecretKey(secret string) (solana.PrivateKey, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("config: decode authority secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("config: authority secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return solana.PrivateKey(raw), nil
}

func authorityFromMnemonic(mnemonic string) (solana.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("config: authority mnemonic is not a valid BIP-39 phrase")
	}
	seed := bip39.NewSeed(mnemonic, "")
	key := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return solana.PrivateKey(key), nil
}
