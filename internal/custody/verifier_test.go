package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ultimart/escrow-service/internal/domain"
	"github.com/ultimart/escrow-service/pkg/chainclient"
)

type stubChainReader struct {
	balance uint64
	err     error
}

func (s *stubChainReader) TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return s.balance, s.err
}

type stubLedgerReader struct {
	listing *domain.Listing
	err     error
}

func (s *stubLedgerReader) FindListingByAssetID(ctx context.Context, assetID string) (*domain.Listing, error) {
	return s.listing, s.err
}

var testMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

func TestVerifyInCustodyFromChain(t *testing.T) {
	v := NewVerifier(&stubChainReader{balance: 1}, &stubLedgerReader{})

	res, err := v.Verify(context.Background(), testMint, testAuthority)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.State != StateInCustody {
		t.Errorf("State = %s, want in_custody", res.State)
	}
	if res.Inferred {
		t.Error("chain-answered result must not be flagged as inferred")
	}
	if res.Balance != 1 {
		t.Errorf("Balance = %d, want 1", res.Balance)
	}
	if res.TokenAccount.IsZero() {
		t.Error("expected the derived escrow token account to be set")
	}
}

func TestVerifyNotInCustodyEmptyAccount(t *testing.T) {
	v := NewVerifier(&stubChainReader{balance: 0}, &stubLedgerReader{})

	res, err := v.Verify(context.Background(), testMint, testAuthority)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.State != StateNotInCustody {
		t.Errorf("State = %s, want not_in_custody", res.State)
	}
}

func TestVerifyNotInCustodyUnexpectedBalance(t *testing.T) {
	// Custody means exactly one unit. A larger balance is not a well-formed
	// NFT escrow and must not pass as custody.
	v := NewVerifier(&stubChainReader{balance: 2}, &stubLedgerReader{})

	res, err := v.Verify(context.Background(), testMint, testAuthority)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.State != StateNotInCustody {
		t.Errorf("State = %s, want not_in_custody", res.State)
	}
	if res.Balance != 2 {
		t.Errorf("Balance = %d, want the observed 2", res.Balance)
	}
}

func TestVerifyMissingAccountWithActiveListingInfersCustody(t *testing.T) {
	ledger := &stubLedgerReader{listing: &domain.Listing{
		AssetID: testMint.String(),
		Status:  domain.ListingStatusActive,
	}}
	v := NewVerifier(&stubChainReader{err: chainclient.ErrAccountNotFound}, ledger)

	res, err := v.Verify(context.Background(), testMint, testAuthority)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.State != StateInCustody {
		t.Errorf("State = %s, want in_custody", res.State)
	}
	if !res.Inferred {
		t.Error("ledger-answered result must be flagged as inferred")
	}
}

func TestVerifyMissingAccountWithoutActiveListing(t *testing.T) {
	ledger := &stubLedgerReader{listing: &domain.Listing{
		AssetID: testMint.String(),
		Status:  domain.ListingStatusSold,
	}}
	v := NewVerifier(&stubChainReader{err: chainclient.ErrAccountNotFound}, ledger)

	res, err := v.Verify(context.Background(), testMint, testAuthority)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.State != StateNotInCustody {
		t.Errorf("State = %s, want not_in_custody", res.State)
	}
	if res.Inferred {
		t.Error("a missing account with no active listing is a chain answer, not an inference")
	}
}

func TestVerifyChainOutageWithActiveListingInfersCustody(t *testing.T) {
	ledger := &stubLedgerReader{listing: &domain.Listing{
		AssetID: testMint.String(),
		Status:  domain.ListingStatusActive,
	}}
	v := NewVerifier(&stubChainReader{err: chainclient.ErrChainUnavailable}, ledger)

	res, err := v.Verify(context.Background(), testMint, testAuthority)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.State != StateInCustody || !res.Inferred {
		t.Errorf("got state=%s inferred=%v, want inferred in_custody", res.State, res.Inferred)
	}
}

func TestVerifyChainOutageWithoutLedgerAnswerIsUnknown(t *testing.T) {
	ledger := &stubLedgerReader{err: errors.New("ledger down")}
	v := NewVerifier(&stubChainReader{err: chainclient.ErrChainUnavailable}, ledger)

	res, err := v.Verify(context.Background(), testMint, testAuthority)
	if err == nil {
		t.Fatal("expected an error for an undeterminable custody state")
	}
	if res.State != StateUnknown {
		t.Errorf("State = %s, want unknown", res.State)
	}
}
