/**
 * @description
 * Deterministic custody keypair derivation. The custody account that holds a
 * listed asset between listing and sale/return is never persisted: it is
 * re-derived on demand from (marketplace authority, asset mint). The same
 * inputs always yield the same keypair, with no stored state.
 *
 * Derivation is versioned. A listing row records the version it was created
 * under, and builders derive with that recorded version, so listings made
 * under an older algorithm remain resolvable forever. Version constants and
 * their byte-level inputs must never change once released.
 *
 * @dependencies
 * - crypto/ed25519, crypto/sha256: Standard Go libraries for key generation.
 * - golang.org/x/crypto/hkdf: Seed expansion for version 2.
 * - github.com/mr-tron/base58: Seed fingerprints for log lines.
 * - github.com/gagliardetto/solana-go: Public key and private key types.
 */

package custody

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
)

const (
	// DerivationV1 is the legacy algorithm: sha256 over a fixed label plus the
	// concatenated authority and mint bytes, used directly as the ed25519 seed.
	DerivationV1 = 1
	// DerivationV2 expands the concatenated inputs through HKDF-SHA256 with a
	// versioned info string.
	DerivationV2 = 2

	// CurrentDerivationVersion is applied to newly created listings.
	CurrentDerivationVersion = DerivationV2

	v1SeedLabel  = "escrow"
	v2HKDFInfo   = "ultimart/custody/signing/v2"
	seedByteSize = 32
)

// Keypair is a derived custody keypair. The private key never leaves the
// process: transfers out of custody are co-signed server-side.
type Keypair struct {
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey
	Version    int
}

// Derive produces the custody keypair for (authority, mint) under the given
// derivation version. It is a pure function of its inputs.
func Derive(version int, authority, mint solana.PublicKey) (Keypair, error) {
	var seed []byte
	switch version {
	case DerivationV1:
		seed = deriveSeedV1(authority, mint)
	case DerivationV2:
		var err error
		seed, err = deriveSeedV2(authority, mint)
		if err != nil {
			return Keypair{}, fmt.Errorf("derive v2 seed: %w", err)
		}
	default:
		return Keypair{}, fmt.Errorf("unknown custody derivation version %d", version)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	key := solana.PrivateKey(priv)
	return Keypair{
		PrivateKey: key,
		PublicKey:  key.PublicKey(),
		Version:    version,
	}, nil
}

func deriveSeedV1(authority, mint solana.PublicKey) []byte {
	h := sha256.New()
	h.Write([]byte(v1SeedLabel))
	h.Write(authority.Bytes())
	h.Write(mint.Bytes())
	sum := h.Sum(nil)
	return sum[:seedByteSize]
}

func deriveSeedV2(authority, mint solana.PublicKey) ([]byte, error) {
	material := make([]byte, 0, 64)
	material = append(material, authority.Bytes()...)
	material = append(material, mint.Bytes()...)

	reader := hkdf.New(sha256.New, material, nil, []byte(v2HKDFInfo))
	seed := make([]byte, seedByteSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Fingerprint returns a short, log-safe identifier for the keypair's
// derivation. It is a hash of the public key, never of seed material.
func (k Keypair) Fingerprint() string {
	sum := sha256.Sum256(k.PublicKey.Bytes())
	return fmt.Sprintf("v%d:%s", k.Version, base58.Encode(sum[:8]))
}
