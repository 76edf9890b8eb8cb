package app

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ultimart/escrow-service/internal/custody"
	"github.com/ultimart/escrow-service/internal/domain"
	"github.com/ultimart/escrow-service/internal/store"
)

type listingRepoStub struct {
	store.Repository

	listing *domain.Listing

	created       *domain.Listing
	createErr     error
	updatedStatus domain.ListingStatus
	updatedAsset  string
	updateChanged bool
	updateErr     error
}

func (s *listingRepoStub) CreateListing(ctx context.Context, listing *domain.Listing) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = listing
	return nil
}

func (s *listingRepoStub) FindListingByAssetID(ctx context.Context, assetID string) (*domain.Listing, error) {
	if s.listing == nil {
		return nil, store.ErrListingNotFound
	}
	return s.listing, nil
}

func (s *listingRepoStub) UpdateListingStatus(ctx context.Context, assetID string, status domain.ListingStatus, txSignature *string) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}
	s.updatedAsset = assetID
	s.updatedStatus = status
	if s.updateChanged {
		return true, nil
	}
	return false, nil
}

type chainStub struct {
	blockhash    solana.Hash
	lastValid    uint64
	blockhashErr error
	exists       bool
	existsErr    error
	balance      uint64
	balanceErr   error
}

func (s *chainStub) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	return s.blockhash, s.lastValid, s.blockhashErr
}

func (s *chainStub) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	return s.exists, s.existsErr
}

func (s *chainStub) TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return s.balance, s.balanceErr
}

type verifierStub struct {
	result custody.Result
	err    error
}

func (s *verifierStub) Verify(ctx context.Context, mint, custodyAuthority solana.PublicKey) (custody.Result, error) {
	return s.result, s.err
}

type producerStub struct {
	events []domain.ListingStatusEvent
	err    error
}

func (s *producerStub) PublishListingStatus(ctx context.Context, event domain.ListingStatusEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func testService(repo store.Repository, chain ChainClient, verifier CustodyVerifier, producer EventPublisher) (*Service, solana.PrivateKey) {
	authority := solana.NewWallet().PrivateKey
	svc := NewService(repo, chain, verifier, producer, ServiceConfig{
		Authority:          authority,
		RoyaltyRecipient:   solana.NewWallet().PublicKey(),
		RoyaltyRatePercent: 3,
		OperatorAddress:    "",
		DerivationVersion:  custody.CurrentDerivationVersion,
	})
	return svc, authority
}

func testBlockhash() solana.Hash {
	var h solana.Hash
	for i := range h {
		h[i] = byte(i + 1)
	}
	return h
}

func TestCreateListingPreparesTransaction(t *testing.T) {
	repo := &listingRepoStub{}
	producer := &producerStub{}
	chain := &chainStub{blockhash: testBlockhash(), lastValid: 12345, exists: false}
	svc, _ := testService(repo, chain, &verifierStub{}, producer)

	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()

	resp, err := svc.CreateListing(context.Background(), &domain.CreateListingRequest{
		Asset:         mint.String(),
		Price:         2_500_000_000,
		SellerAddress: seller.String(),
	})
	if err != nil {
		t.Fatalf("CreateListing returned error: %v", err)
	}
	if resp.Transaction == "" {
		t.Fatal("expected a base64 transaction")
	}
	if resp.Blockhash != testBlockhash().String() {
		t.Errorf("Blockhash = %s", resp.Blockhash)
	}
	if resp.LastValidBlockHeight != 12345 {
		t.Errorf("LastValidBlockHeight = %d, want 12345", resp.LastValidBlockHeight)
	}
	if resp.Accounts.Custody == "" || resp.Accounts.CustodyTokenAccount == "" || resp.Accounts.SellerTokenAccount == "" {
		t.Error("expected all listing accounts to be populated")
	}

	if repo.created == nil {
		t.Fatal("expected a ledger row to be written")
	}
	if repo.created.Status != domain.ListingStatusActive {
		t.Errorf("ledger status = %s, want active", repo.created.Status)
	}
	if repo.created.DerivationVersion != custody.CurrentDerivationVersion {
		t.Errorf("derivation version = %d, want %d", repo.created.DerivationVersion, custody.CurrentDerivationVersion)
	}
	if len(producer.events) != 1 || producer.events[0].Status != "active" {
		t.Errorf("expected one active status event, got %+v", producer.events)
	}
}

func TestCreateListingSurvivesLedgerFailure(t *testing.T) {
	repo := &listingRepoStub{createErr: store.ErrLedgerUnavailable}
	chain := &chainStub{blockhash: testBlockhash(), lastValid: 1}
	svc, _ := testService(repo, chain, &verifierStub{}, &producerStub{})

	resp, err := svc.CreateListing(context.Background(), &domain.CreateListingRequest{
		Asset:         solana.NewWallet().PublicKey().String(),
		Price:         1_000_000,
		SellerAddress: solana.NewWallet().PublicKey().String(),
	})
	if err != nil {
		t.Fatalf("a degraded ledger must not block listing: %v", err)
	}
	if resp.Transaction == "" {
		t.Fatal("expected a base64 transaction")
	}
}

func TestCreateListingRejectsLiveDuplicate(t *testing.T) {
	repo := &listingRepoStub{createErr: store.ErrListingConflict}
	chain := &chainStub{blockhash: testBlockhash(), lastValid: 1}
	svc, _ := testService(repo, chain, &verifierStub{}, &producerStub{})

	_, err := svc.CreateListing(context.Background(), &domain.CreateListingRequest{
		Asset:         solana.NewWallet().PublicKey().String(),
		Price:         1_000_000,
		SellerAddress: solana.NewWallet().PublicKey().String(),
	})
	if !errors.Is(err, ErrConsistencyConflict) {
		t.Fatalf("err = %v, want ErrConsistencyConflict", err)
	}
}

func TestCreateListingValidation(t *testing.T) {
	svc, _ := testService(&listingRepoStub{}, &chainStub{}, &verifierStub{}, &producerStub{})

	cases := []struct {
		name string
		req  domain.CreateListingRequest
	}{
		{"missing asset", domain.CreateListingRequest{Price: 1, SellerAddress: solana.NewWallet().PublicKey().String()}},
		{"malformed asset", domain.CreateListingRequest{Asset: "not-a-key", Price: 1, SellerAddress: solana.NewWallet().PublicKey().String()}},
		{"missing seller", domain.CreateListingRequest{Asset: solana.NewWallet().PublicKey().String(), Price: 1}},
		{"zero price", domain.CreateListingRequest{Asset: solana.NewWallet().PublicKey().String(), Price: 0, SellerAddress: solana.NewWallet().PublicKey().String()}},
		{"negative price", domain.CreateListingRequest{Asset: solana.NewWallet().PublicKey().String(), Price: -5, SellerAddress: solana.NewWallet().PublicKey().String()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateListing(context.Background(), &tc.req); !errors.Is(err, ErrMissingParameter) {
				t.Fatalf("err = %v, want ErrMissingParameter", err)
			}
		})
	}
}

func TestCancelListingRejectsStranger(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{listing: &domain.Listing{
		AssetID:           mint.String(),
		SellerID:          solana.NewWallet().PublicKey().String(),
		Status:            domain.ListingStatusActive,
		DerivationVersion: custody.CurrentDerivationVersion,
	}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, &verifierStub{}, &producerStub{})

	_, err := svc.CancelListing(context.Background(), &domain.CancelListingRequest{
		Asset:            mint.String(),
		RequesterAddress: solana.NewWallet().PublicKey().String(),
	})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestCancelListingNotInCustodyCorrectsLedger(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{
		listing: &domain.Listing{
			AssetID:           mint.String(),
			SellerID:          seller.String(),
			Status:            domain.ListingStatusActive,
			DerivationVersion: custody.CurrentDerivationVersion,
		},
		updateChanged: true,
	}
	producer := &producerStub{}
	verifier := &verifierStub{result: custody.Result{State: custody.StateNotInCustody}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, verifier, producer)

	resp, err := svc.CancelListing(context.Background(), &domain.CancelListingRequest{
		Asset:            mint.String(),
		RequesterAddress: seller.String(),
	})
	if err != nil {
		t.Fatalf("CancelListing returned error: %v", err)
	}
	if resp.InCustody {
		t.Error("expected InCustody = false")
	}
	if !resp.LedgerCorrected {
		t.Error("expected the ledger row to be corrected")
	}
	if resp.Transaction != "" {
		t.Error("no transaction should be returned when nothing is in custody")
	}
	if repo.updatedStatus != domain.ListingStatusUnlisted {
		t.Errorf("ledger corrected to %s, want unlisted", repo.updatedStatus)
	}
	if len(producer.events) != 1 || producer.events[0].Status != "unlisted" {
		t.Errorf("expected one unlisted event, got %+v", producer.events)
	}
}

func TestCancelListingReturnsPartiallySignedTransaction(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{
		listing: &domain.Listing{
			AssetID:           mint.String(),
			SellerID:          seller.String(),
			Status:            domain.ListingStatusActive,
			DerivationVersion: custody.CurrentDerivationVersion,
		},
		updateChanged: true,
	}
	verifier := &verifierStub{result: custody.Result{State: custody.StateInCustody, Balance: 1}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash(), lastValid: 99, exists: true}, verifier, &producerStub{})

	resp, err := svc.CancelListing(context.Background(), &domain.CancelListingRequest{
		Asset:            mint.String(),
		RequesterAddress: seller.String(),
	})
	if err != nil {
		t.Fatalf("CancelListing returned error: %v", err)
	}
	if !resp.InCustody {
		t.Error("expected InCustody = true")
	}
	if resp.Transaction == "" {
		t.Fatal("expected a base64 transaction")
	}
	if resp.Accounts == nil || resp.Accounts.OwnerTokenAccount == "" {
		t.Error("expected the owner token account to be populated")
	}
	if repo.updatedStatus != domain.ListingStatusPending {
		t.Errorf("ledger moved to %s, want pending", repo.updatedStatus)
	}
}

func TestCancelListingReturnsAssetToRecordedSeller(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()
	operator := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{
		listing: &domain.Listing{
			AssetID:           mint.String(),
			SellerID:          seller.String(),
			Status:            domain.ListingStatusActive,
			DerivationVersion: custody.CurrentDerivationVersion,
		},
		updateChanged: true,
	}
	verifier := &verifierStub{result: custody.Result{State: custody.StateInCustody, Balance: 1}}
	// exists=false forces the owner token account create instruction in.
	svc, authority := testService(repo, &chainStub{blockhash: testBlockhash(), lastValid: 5, exists: false}, verifier, &producerStub{})
	svc.cfg.OperatorAddress = operator.String()

	resp, err := svc.CancelListing(context.Background(), &domain.CancelListingRequest{
		Asset:            mint.String(),
		RequesterAddress: operator.String(),
	})
	if err != nil {
		t.Fatalf("CancelListing returned error: %v", err)
	}

	keypair, err := custody.Derive(custody.CurrentDerivationVersion, authority.PublicKey(), mint)
	if err != nil {
		t.Fatalf("derive custody key: %v", err)
	}
	sellerATA, _, err := solana.FindAssociatedTokenAddress(seller, mint)
	if err != nil {
		t.Fatalf("derive seller token account: %v", err)
	}
	if resp.Accounts == nil || resp.Accounts.OwnerTokenAccount != sellerATA.String() {
		t.Fatalf("owner token account = %+v, want the seller's %s", resp.Accounts, sellerATA)
	}

	tx, err := solana.TransactionFromBase64(resp.Transaction)
	if err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	var sawCreate, sawTransfer bool
	for _, instr := range tx.Message.Instructions {
		program := tx.Message.AccountKeys[instr.ProgramIDIndex]
		switch {
		case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
			sawCreate = true
			payer := tx.Message.AccountKeys[instr.Accounts[0]]
			if !payer.Equals(keypair.PublicKey) {
				t.Errorf("token account create funded by %s, want the custody account %s", payer, keypair.PublicKey)
			}
			wallet := tx.Message.AccountKeys[instr.Accounts[2]]
			if !wallet.Equals(seller) {
				t.Errorf("token account created for %s, want the seller %s", wallet, seller)
			}
		case program.Equals(solana.TokenProgramID):
			sawTransfer = true
			destination := tx.Message.AccountKeys[instr.Accounts[1]]
			if !destination.Equals(sellerATA) {
				t.Errorf("transfer destination = %s, want the seller's token account %s", destination, sellerATA)
			}
		}
	}
	if !sawCreate || !sawTransfer {
		t.Fatalf("expected a create and a transfer instruction, got create=%v transfer=%v", sawCreate, sawTransfer)
	}
}

func TestListUnlistRoundTrip(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{updateChanged: true}
	producer := &producerStub{}
	verifier := &verifierStub{result: custody.Result{State: custody.StateInCustody, Balance: 1}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash(), lastValid: 8, exists: true}, verifier, producer)

	if _, err := svc.CreateListing(context.Background(), &domain.CreateListingRequest{
		Asset:         mint.String(),
		Price:         1_000_000_000,
		SellerAddress: seller.String(),
	}); err != nil {
		t.Fatalf("CreateListing returned error: %v", err)
	}
	if repo.created == nil || repo.created.Status != domain.ListingStatusActive {
		t.Fatalf("expected an active row after listing, got %+v", repo.created)
	}

	// The row written by the listing feeds the unlist lookup.
	repo.listing = repo.created

	resp, err := svc.CancelListing(context.Background(), &domain.CancelListingRequest{
		Asset:            mint.String(),
		RequesterAddress: seller.String(),
	})
	if err != nil {
		t.Fatalf("CancelListing returned error: %v", err)
	}
	if !resp.InCustody || resp.Transaction == "" {
		t.Fatalf("expected a custody-backed unlisting transaction, got %+v", resp)
	}
	if repo.updatedStatus != domain.ListingStatusPending {
		t.Errorf("row moved to %s after unlist, want pending", repo.updatedStatus)
	}
	if len(producer.events) != 2 || producer.events[0].Status != "active" || producer.events[1].Status != "pending" {
		t.Errorf("expected active then pending events, got %+v", producer.events)
	}
}

func TestCancelListingOperatorOverride(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	operator := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{
		listing: &domain.Listing{
			AssetID:           mint.String(),
			SellerID:          solana.NewWallet().PublicKey().String(),
			Status:            domain.ListingStatusActive,
			DerivationVersion: custody.CurrentDerivationVersion,
		},
	}
	verifier := &verifierStub{result: custody.Result{State: custody.StateNotInCustody}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, verifier, &producerStub{})
	svc.cfg.OperatorAddress = operator.String()

	if _, err := svc.CancelListing(context.Background(), &domain.CancelListingRequest{
		Asset:            mint.String(),
		RequesterAddress: operator.String(),
	}); err != nil {
		t.Fatalf("operator override should be authorized: %v", err)
	}
}

func TestPreparePurchaseBuildsSettlement(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()
	buyer := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{
		listing: &domain.Listing{
			AssetID:           mint.String(),
			SellerID:          seller.String(),
			Price:             2_500_000_000,
			Status:            domain.ListingStatusActive,
			DerivationVersion: custody.CurrentDerivationVersion,
		},
		updateChanged: true,
	}
	producer := &producerStub{}
	verifier := &verifierStub{result: custody.Result{State: custody.StateInCustody, Balance: 1}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash(), lastValid: 7, exists: true}, verifier, producer)

	resp, err := svc.PreparePurchase(context.Background(), &domain.PurchaseRequest{
		Asset:        mint.String(),
		BuyerAddress: buyer.String(),
		Price:        2_500_000_000,
	})
	if err != nil {
		t.Fatalf("PreparePurchase returned error: %v", err)
	}
	if resp.Transaction == "" {
		t.Fatal("expected a base64 transaction")
	}
	if resp.Breakdown.RoyaltyAmount != 75_000_000 {
		t.Errorf("RoyaltyAmount = %d, want 75000000", resp.Breakdown.RoyaltyAmount)
	}
	if resp.Breakdown.RemainderAmount != 2_425_000_000 {
		t.Errorf("RemainderAmount = %d, want 2425000000", resp.Breakdown.RemainderAmount)
	}
	if resp.Breakdown.RoyaltyAmount+resp.Breakdown.RemainderAmount != resp.Breakdown.TotalPrice {
		t.Error("breakdown does not conserve the total price")
	}
	if repo.updatedStatus != domain.ListingStatusPending {
		t.Errorf("ledger moved to %s, want pending", repo.updatedStatus)
	}
	if len(producer.events) != 1 || producer.events[0].Status != "pending" {
		t.Errorf("expected one pending event, got %+v", producer.events)
	}
}

func TestPreparePurchaseUnknownListing(t *testing.T) {
	svc, _ := testService(&listingRepoStub{}, &chainStub{blockhash: testBlockhash()}, &verifierStub{}, &producerStub{})

	_, err := svc.PreparePurchase(context.Background(), &domain.PurchaseRequest{
		Asset:        solana.NewWallet().PublicKey().String(),
		BuyerAddress: solana.NewWallet().PublicKey().String(),
	})
	if !errors.Is(err, store.ErrListingNotFound) {
		t.Fatalf("err = %v, want ErrListingNotFound", err)
	}
}

func TestPreparePurchaseInactiveListing(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{listing: &domain.Listing{
		AssetID:           mint.String(),
		SellerID:          solana.NewWallet().PublicKey().String(),
		Price:             100,
		Status:            domain.ListingStatusSold,
		DerivationVersion: custody.CurrentDerivationVersion,
	}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, &verifierStub{}, &producerStub{})

	_, err := svc.PreparePurchase(context.Background(), &domain.PurchaseRequest{
		Asset:        mint.String(),
		BuyerAddress: solana.NewWallet().PublicKey().String(),
	})
	if !errors.Is(err, ErrConsistencyConflict) {
		t.Fatalf("err = %v, want ErrConsistencyConflict", err)
	}
}

func TestPreparePurchasePriceMismatch(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{listing: &domain.Listing{
		AssetID:           mint.String(),
		SellerID:          solana.NewWallet().PublicKey().String(),
		Price:             2_000_000,
		Status:            domain.ListingStatusActive,
		DerivationVersion: custody.CurrentDerivationVersion,
	}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, &verifierStub{}, &producerStub{})

	_, err := svc.PreparePurchase(context.Background(), &domain.PurchaseRequest{
		Asset:        mint.String(),
		BuyerAddress: solana.NewWallet().PublicKey().String(),
		Price:        1_999_999,
	})
	if !errors.Is(err, ErrConsistencyConflict) {
		t.Fatalf("err = %v, want ErrConsistencyConflict", err)
	}
}

func TestPreparePurchaseNotInCustody(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{
		listing: &domain.Listing{
			AssetID:           mint.String(),
			SellerID:          solana.NewWallet().PublicKey().String(),
			Price:             100,
			Status:            domain.ListingStatusActive,
			DerivationVersion: custody.CurrentDerivationVersion,
		},
		updateChanged: true,
	}
	verifier := &verifierStub{result: custody.Result{State: custody.StateNotInCustody}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, verifier, &producerStub{})

	_, err := svc.PreparePurchase(context.Background(), &domain.PurchaseRequest{
		Asset:        mint.String(),
		BuyerAddress: solana.NewWallet().PublicKey().String(),
	})
	if !errors.Is(err, ErrNotInCustody) {
		t.Fatalf("err = %v, want ErrNotInCustody", err)
	}
	if repo.updatedStatus != domain.ListingStatusUnlisted {
		t.Errorf("ledger corrected to %s, want unlisted", repo.updatedStatus)
	}
}

func TestPreparePurchaseCustodyUnknownIsFatal(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{listing: &domain.Listing{
		AssetID:           mint.String(),
		SellerID:          solana.NewWallet().PublicKey().String(),
		Price:             100,
		Status:            domain.ListingStatusActive,
		DerivationVersion: custody.CurrentDerivationVersion,
	}}
	verifier := &verifierStub{result: custody.Result{State: custody.StateUnknown}, err: errors.New("undeterminable")}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, verifier, &producerStub{})

	if _, err := svc.PreparePurchase(context.Background(), &domain.PurchaseRequest{
		Asset:        mint.String(),
		BuyerAddress: solana.NewWallet().PublicKey().String(),
	}); err == nil {
		t.Fatal("an unknown custody state must fail the purchase")
	}
}

func TestPreparePurchaseSelfPurchase(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	seller := solana.NewWallet().PublicKey()
	repo := &listingRepoStub{listing: &domain.Listing{
		AssetID:           mint.String(),
		SellerID:          seller.String(),
		Price:             100,
		Status:            domain.ListingStatusActive,
		DerivationVersion: custody.CurrentDerivationVersion,
	}}
	svc, _ := testService(repo, &chainStub{blockhash: testBlockhash()}, &verifierStub{}, &producerStub{})

	_, err := svc.PreparePurchase(context.Background(), &domain.PurchaseRequest{
		Asset:        mint.String(),
		BuyerAddress: seller.String(),
	})
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("err = %v, want ErrMissingParameter", err)
	}
}
