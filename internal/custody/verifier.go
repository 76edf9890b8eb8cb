/**
 * @description
 * This file implements the custody verifier. Given an asset mint and the
 * custody authority holding it, it answers whether the asset currently sits
 * in the escrow token account.
 *
 * The chain is the source of truth. When the chain gives a definitive answer
 * (the escrow token account exists, with or without the token) the verifier
 * reports it as verified. When the chain cannot answer, the verifier falls
 * back to the side ledger: an active listing row lets it infer custody, and
 * the result is flagged as inferred so callers can treat it with less trust.
 * Only when both the chain and the ledger fail to answer does the verifier
 * report Unknown, which callers must treat as a hard failure rather than a
 * go-ahead.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: Public key types and ATA derivation.
 * - internal/domain: Listing model consulted during the ledger fallback.
 * - pkg/chainclient: Sentinel errors distinguishing not-found from outage.
 */

package custody

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gagliardetto/solana-go"

	"github.com/ultimart/escrow-service/internal/domain"
	"github.com/ultimart/escrow-service/internal/platform/metrics"
	"github.com/ultimart/escrow-service/pkg/chainclient"
)

// State classifies a custody check outcome.
type State int

const (
	// StateUnknown means neither the chain nor the ledger could answer.
	StateUnknown State = iota
	// StateInCustody means the asset is held by the custody authority.
	StateInCustody
	// StateNotInCustody means the asset is not held by the custody authority.
	StateNotInCustody
)

func (s State) String() string {
	switch s {
	case StateInCustody:
		return "in_custody"
	case StateNotInCustody:
		return "not_in_custody"
	default:
		return "unknown"
	}
}

// Result carries the outcome of a custody check.
type Result struct {
	State State
	// Inferred is true when the answer came from the side ledger instead of
	// the chain.
	Inferred bool
	// Balance is the raw token balance observed on-chain. Zero when the
	// account was missing or the chain was unreachable.
	Balance uint64
	// TokenAccount is the escrow associated token account that was checked.
	TokenAccount solana.PublicKey
}

// ChainReader is the subset of the chain client the verifier consumes.
type ChainReader interface {
	TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// LedgerReader is the subset of the listing store the verifier consumes.
type LedgerReader interface {
	FindListingByAssetID(ctx context.Context, assetID string) (*domain.Listing, error)
}

// Verifier checks whether assets are held in escrow custody.
type Verifier struct {
	chain  ChainReader
	ledger LedgerReader
}

// NewVerifier creates a verifier backed by the given chain and ledger readers.
func NewVerifier(chain ChainReader, ledger LedgerReader) *Verifier {
	return &Verifier{chain: chain, ledger: ledger}
}

// Verify reports whether the asset identified by mint is held by the custody
// authority. A non-nil error only accompanies StateUnknown.
func (v *Verifier) Verify(ctx context.Context, mint, custodyAuthority solana.PublicKey) (Result, error) {
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(custodyAuthority, mint)
	if err != nil {
		return Result{State: StateUnknown}, fmt.Errorf("derive escrow token account: %w", err)
	}

	balance, chainErr := v.chain.TokenAccountBalance(ctx, tokenAccount)
	if chainErr == nil {
		result := Result{Balance: balance, TokenAccount: tokenAccount}
		// The asset is an NFT; custody means exactly one unit at the escrow
		// token account. Any other balance is not custody.
		if balance == 1 {
			result.State = StateInCustody
		} else {
			result.State = StateNotInCustody
		}
		return result, nil
	}

	if errors.Is(chainErr, chainclient.ErrAccountNotFound) {
		// The escrow token account does not exist, which is a definitive
		// answer on-chain, but an active ledger row means the transfer into
		// custody may not have settled yet.
		if v.ledgerSaysActive(ctx, mint) {
			log.Printf("level=warn component=custody_verifier mint=%s msg=\"escrow account missing on chain; inferring custody from active ledger row\"", mint)
			metrics.CustodyInferred.Inc()
			return Result{State: StateInCustody, Inferred: true, TokenAccount: tokenAccount}, nil
		}
		return Result{State: StateNotInCustody, TokenAccount: tokenAccount}, nil
	}

	// Chain unreachable. Fall back to the ledger.
	if v.ledgerSaysActive(ctx, mint) {
		log.Printf("level=warn component=custody_verifier mint=%s msg=\"chain unreachable; inferring custody from active ledger row\" err=%v", mint, chainErr)
		metrics.CustodyInferred.Inc()
		return Result{State: StateInCustody, Inferred: true, TokenAccount: tokenAccount}, nil
	}

	return Result{State: StateUnknown, TokenAccount: tokenAccount},
		fmt.Errorf("custody state for mint %s undeterminable: %w", mint, chainErr)
}

func (v *Verifier) ledgerSaysActive(ctx context.Context, mint solana.PublicKey) bool {
	if v.ledger == nil {
		return false
	}
	listing, err := v.ledger.FindListingByAssetID(ctx, mint.String())
	if err != nil {
		return false
	}
	return listing != nil && listing.Status == domain.ListingStatusActive
}
