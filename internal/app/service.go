/**
 * @description
 * This file contains the core business logic for the escrow-service. The
 * Service struct builds the listing, unlisting, and purchase transactions,
 * keeps the side ledger in step with what it hands out, and publishes
 * listing status events.
 *
 * Prepared transactions are returned base64-encoded for client-side signing.
 * Where an instruction needs the custody authority's signature, the service
 * partially signs before returning; custody key material never leaves the
 * process.
 *
 * @dependencies
 * - internal/store: For data persistence via the Repository interface.
 * - internal/domain: For request, response, and listing models.
 * - internal/custody: Deterministic custody key derivation and verification.
 * - pkg/chainclient: Blockhash, account, and balance reads.
 * - github.com/gagliardetto/solana-go (+ program packages): Instruction and
 *   transaction assembly.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/ultimart/escrow-service/internal/custody"
	"github.com/ultimart/escrow-service/internal/domain"
	"github.com/ultimart/escrow-service/internal/platform/metrics"
	"github.com/ultimart/escrow-service/internal/store"
)

// ChainClient is the subset of the chain client pool the service consumes.
type ChainClient interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

// CustodyVerifier answers whether an asset sits in escrow custody.
type CustodyVerifier interface {
	Verify(ctx context.Context, mint, custodyAuthority solana.PublicKey) (custody.Result, error)
}

// EventPublisher publishes listing status events. Implementations must be
// safe to call with a degraded broker; publishing is always best-effort.
type EventPublisher interface {
	PublishListingStatus(ctx context.Context, event domain.ListingStatusEvent) error
}

// ServiceConfig carries the operational knobs the service needs.
type ServiceConfig struct {
	// Authority is the server-held key that custody keys are derived from
	// and that pays for escrow-side account creation.
	Authority solana.PrivateKey
	// RoyaltyRecipient receives the royalty cut of every sale.
	RoyaltyRecipient solana.PublicKey
	// RoyaltyRatePercent is the whole-percent royalty rate applied to sales.
	RoyaltyRatePercent int
	// OperatorAddress may cancel any listing regardless of seller.
	OperatorAddress string
	// DerivationVersion is the custody derivation version for new listings.
	DerivationVersion int
}

// Service provides methods for all escrow listing operations.
type Service struct {
	repo     store.Repository
	chain    ChainClient
	verifier CustodyVerifier
	producer EventPublisher
	cfg      ServiceConfig
}

// NewService creates a new instance of the core application service.
func NewService(repo store.Repository, chain ChainClient, verifier CustodyVerifier, producer EventPublisher, cfg ServiceConfig) *Service {
	if cfg.DerivationVersion == 0 {
		cfg.DerivationVersion = custody.CurrentDerivationVersion
	}
	return &Service{
		repo:     repo,
		chain:    chain,
		verifier: verifier,
		producer: producer,
		cfg:      cfg,
	}
}

// CreateListing prepares the transaction that moves an asset into escrow
// custody and records the listing in the side ledger. The seller signs and
// submits the returned transaction client-side.
func (s *Service) CreateListing(ctx context.Context, req *domain.CreateListingRequest) (*domain.ListingTransactionResponse, error) {
	mint, err := parsePublicKey(req.Asset, "asset")
	if err != nil {
		return nil, err
	}
	seller, err := parsePublicKey(req.SellerAddress, "sellerAddress")
	if err != nil {
		return nil, err
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be a positive lamport amount", ErrMissingParameter)
	}

	keypair, err := custody.Derive(s.cfg.DerivationVersion, s.cfg.Authority.PublicKey(), mint)
	if err != nil {
		return nil, fmt.Errorf("derive custody key: %w", err)
	}

	sellerATA, _, err := solana.FindAssociatedTokenAddress(seller, mint)
	if err != nil {
		return nil, fmt.Errorf("derive seller token account: %w", err)
	}
	custodyATA, _, err := solana.FindAssociatedTokenAddress(keypair.PublicKey, mint)
	if err != nil {
		return nil, fmt.Errorf("derive custody token account: %w", err)
	}

	var instructions []solana.Instruction
	custodyATAExists, err := s.chain.AccountExists(ctx, custodyATA)
	if err != nil {
		return nil, fmt.Errorf("check custody token account: %w", err)
	}
	if !custodyATAExists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(seller, keypair.PublicKey, mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(1, sellerATA, custodyATA, seller, nil).Build())

	tx, blockhash, lastValid, err := s.assembleTransaction(ctx, instructions, seller, nil)
	if err != nil {
		return nil, err
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	listing := &domain.Listing{
		AssetID:           mint.String(),
		SellerID:          seller.String(),
		Price:             req.Price,
		Status:            domain.ListingStatusActive,
		CollectionID:      req.CollectionID,
		DerivationVersion: keypair.Version,
	}
	if err := s.repo.CreateListing(ctx, listing); err != nil {
		if errors.Is(err, store.ErrListingConflict) {
			return nil, fmt.Errorf("%w: asset %s is already listed", ErrConsistencyConflict, listing.AssetID)
		}
		// The ledger is advisory here; the transaction is still valid and the
		// sweep job picks the row up later.
		log.Printf("level=warn component=escrow_service op=create_listing asset=%s msg=\"ledger write failed; continuing\" err=%v", listing.AssetID, err)
	} else {
		s.publishStatus(ctx, listing.AssetID, "", domain.ListingStatusActive)
	}

	metrics.TransactionsPrepared.WithLabelValues("list").Inc()
	log.Printf("level=info component=escrow_service op=create_listing asset=%s seller=%s custody=%s msg=\"listing transaction prepared\"", listing.AssetID, listing.SellerID, keypair.Fingerprint())

	return &domain.ListingTransactionResponse{
		Transaction:          encoded,
		Blockhash:            blockhash.String(),
		LastValidBlockHeight: lastValid,
		Accounts: domain.TransactionAccounts{
			Custody:             keypair.PublicKey.String(),
			CustodyTokenAccount: custodyATA.String(),
			SellerTokenAccount:  sellerATA.String(),
		},
	}, nil
}

// CancelListing prepares the transaction that returns an asset from escrow
// custody to its owner. When the chain shows the asset already out of custody
// the ledger row is corrected instead and no transaction is returned.
func (s *Service) CancelListing(ctx context.Context, req *domain.CancelListingRequest) (*domain.UnlistResponse, error) {
	mint, err := parsePublicKey(req.Asset, "asset")
	if err != nil {
		return nil, err
	}
	requester, err := parsePublicKey(req.RequesterAddress, "requesterAddress")
	if err != nil {
		return nil, err
	}

	listing, err := s.repo.FindListingByAssetID(ctx, mint.String())
	if err != nil {
		return nil, err
	}
	if requester.String() != listing.SellerID && requester.String() != s.cfg.OperatorAddress {
		return nil, fmt.Errorf("%w: only the seller may unlist %s", ErrNotAuthorized, listing.AssetID)
	}
	owner, err := parsePublicKey(listing.SellerID, "seller")
	if err != nil {
		return nil, fmt.Errorf("%w: ledger row carries an invalid seller", ErrConsistencyConflict)
	}

	keypair, err := custody.Derive(listing.DerivationVersion, s.cfg.Authority.PublicKey(), mint)
	if err != nil {
		return nil, fmt.Errorf("derive custody key: %w", err)
	}

	result, err := s.verifier.Verify(ctx, mint, keypair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("verify custody: %w", err)
	}
	if result.State == custody.StateNotInCustody {
		corrected, updateErr := s.repo.UpdateListingStatus(ctx, listing.AssetID, domain.ListingStatusUnlisted, nil)
		if updateErr != nil {
			log.Printf("level=error component=escrow_service op=cancel_listing asset=%s msg=\"ledger correction failed\" err=%v", listing.AssetID, updateErr)
		} else if corrected {
			s.publishStatus(ctx, listing.AssetID, "", domain.ListingStatusUnlisted)
		}
		log.Printf("level=info component=escrow_service op=cancel_listing asset=%s msg=\"asset not in custody; ledger corrected, no transaction needed\"", listing.AssetID)
		return &domain.UnlistResponse{InCustody: false, LedgerCorrected: corrected}, nil
	}

	// The asset always returns to the recorded seller, even when the operator
	// drives the unlist.
	ownerATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("derive owner token account: %w", err)
	}
	custodyATA := result.TokenAccount
	if custodyATA.IsZero() {
		custodyATA, _, err = solana.FindAssociatedTokenAddress(keypair.PublicKey, mint)
		if err != nil {
			return nil, fmt.Errorf("derive custody token account: %w", err)
		}
	}

	var instructions []solana.Instruction
	ownerATAExists, err := s.chain.AccountExists(ctx, ownerATA)
	if err != nil {
		return nil, fmt.Errorf("check owner token account: %w", err)
	}
	if !ownerATAExists {
		// The custody account funds the owner's token account; returning an
		// asset must not cost the owner anything beyond the network fee.
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(keypair.PublicKey, owner, mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(1, custodyATA, ownerATA, keypair.PublicKey, nil).Build())

	tx, blockhash, lastValid, err := s.assembleTransaction(ctx, instructions, requester, &keypair)
	if err != nil {
		return nil, err
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	if changed, updateErr := s.repo.UpdateListingStatus(ctx, listing.AssetID, domain.ListingStatusPending, nil); updateErr != nil {
		log.Printf("level=warn component=escrow_service op=cancel_listing asset=%s msg=\"ledger write failed; continuing\" err=%v", listing.AssetID, updateErr)
	} else if changed {
		s.publishStatus(ctx, listing.AssetID, "", domain.ListingStatusPending)
	}

	metrics.TransactionsPrepared.WithLabelValues("unlist").Inc()
	log.Printf("level=info component=escrow_service op=cancel_listing asset=%s requester=%s custody=%s inferred=%v msg=\"unlisting transaction prepared\"", listing.AssetID, requester, keypair.Fingerprint(), result.Inferred)

	return &domain.UnlistResponse{
		InCustody:            true,
		Transaction:          encoded,
		Blockhash:            blockhash.String(),
		LastValidBlockHeight: lastValid,
		Accounts: &domain.TransactionAccounts{
			Custody:             keypair.PublicKey.String(),
			CustodyTokenAccount: custodyATA.String(),
			OwnerTokenAccount:   ownerATA.String(),
		},
	}, nil
}

// PreparePurchase prepares the transaction that settles a sale: the asset
// moves from custody to the buyer and the price splits between the seller
// and the royalty recipient. The buyer signs and submits client-side.
func (s *Service) PreparePurchase(ctx context.Context, req *domain.PurchaseRequest) (*domain.PurchaseResponse, error) {
	mint, err := parsePublicKey(req.Asset, "asset")
	if err != nil {
		return nil, err
	}
	buyer, err := parsePublicKey(req.BuyerAddress, "buyerAddress")
	if err != nil {
		return nil, err
	}

	listing, err := s.repo.FindListingByAssetID(ctx, mint.String())
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.ListingStatusActive {
		return nil, fmt.Errorf("%w: listing for %s is %s", ErrConsistencyConflict, listing.AssetID, listing.Status)
	}
	if req.Price != 0 && req.Price != listing.Price {
		return nil, fmt.Errorf("%w: quoted price %d does not match listed price %d", ErrConsistencyConflict, req.Price, listing.Price)
	}
	seller, err := parsePublicKey(listing.SellerID, "seller")
	if err != nil {
		return nil, fmt.Errorf("%w: ledger row carries an invalid seller", ErrConsistencyConflict)
	}
	if buyer.Equals(seller) {
		return nil, fmt.Errorf("%w: buyer and seller are the same wallet", ErrMissingParameter)
	}

	keypair, err := custody.Derive(listing.DerivationVersion, s.cfg.Authority.PublicKey(), mint)
	if err != nil {
		return nil, fmt.Errorf("derive custody key: %w", err)
	}

	result, err := s.verifier.Verify(ctx, mint, keypair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("verify custody: %w", err)
	}
	if result.State == custody.StateNotInCustody {
		if corrected, updateErr := s.repo.UpdateListingStatus(ctx, listing.AssetID, domain.ListingStatusUnlisted, nil); updateErr == nil && corrected {
			s.publishStatus(ctx, listing.AssetID, "", domain.ListingStatusUnlisted)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotInCustody, listing.AssetID)
	}

	breakdown, err := ComputeBreakdown(uint64(listing.Price), s.cfg.RoyaltyRatePercent, s.cfg.RoyaltyRecipient.String())
	if err != nil {
		return nil, err
	}

	buyerATA, _, err := solana.FindAssociatedTokenAddress(buyer, mint)
	if err != nil {
		return nil, fmt.Errorf("derive buyer token account: %w", err)
	}
	custodyATA := result.TokenAccount
	if custodyATA.IsZero() {
		custodyATA, _, err = solana.FindAssociatedTokenAddress(keypair.PublicKey, mint)
		if err != nil {
			return nil, fmt.Errorf("derive custody token account: %w", err)
		}
	}

	var instructions []solana.Instruction
	buyerATAExists, err := s.chain.AccountExists(ctx, buyerATA)
	if err != nil {
		return nil, fmt.Errorf("check buyer token account: %w", err)
	}
	if !buyerATAExists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(buyer, buyer, mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(1, custodyATA, buyerATA, keypair.PublicKey, nil).Build(),
		system.NewTransferInstruction(breakdown.RemainderAmount, buyer, seller).Build(),
	)
	if breakdown.RoyaltyAmount > 0 {
		instructions = append(instructions,
			system.NewTransferInstruction(breakdown.RoyaltyAmount, buyer, s.cfg.RoyaltyRecipient).Build())
	}

	tx, blockhash, lastValid, err := s.assembleTransaction(ctx, instructions, buyer, &keypair)
	if err != nil {
		return nil, err
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	if changed, updateErr := s.repo.UpdateListingStatus(ctx, listing.AssetID, domain.ListingStatusPending, nil); updateErr != nil {
		log.Printf("level=warn component=escrow_service op=purchase asset=%s msg=\"ledger write failed; continuing\" err=%v", listing.AssetID, updateErr)
	} else if changed {
		s.publishStatus(ctx, listing.AssetID, "", domain.ListingStatusPending)
	}

	metrics.TransactionsPrepared.WithLabelValues("purchase").Inc()
	log.Printf("level=info component=escrow_service op=purchase asset=%s buyer=%s price=%d royalty=%d msg=\"purchase transaction prepared\"", listing.AssetID, buyer, breakdown.TotalPrice, breakdown.RoyaltyAmount)

	return &domain.PurchaseResponse{
		Transaction:          encoded,
		Blockhash:            blockhash.String(),
		LastValidBlockHeight: lastValid,
		Accounts: domain.TransactionAccounts{
			Custody:             keypair.PublicKey.String(),
			CustodyTokenAccount: custodyATA.String(),
			BuyerTokenAccount:   buyerATA.String(),
		},
		Breakdown: breakdown,
	}, nil
}

// GetListing returns the ledger row for an asset.
func (s *Service) GetListing(ctx context.Context, assetID string) (*domain.Listing, error) {
	if _, err := parsePublicKey(assetID, "asset"); err != nil {
		return nil, err
	}
	return s.repo.FindListingByAssetID(ctx, assetID)
}

// assembleTransaction fetches a fresh blockhash, builds the transaction with
// the given fee payer, and applies the custody signature when one is needed.
func (s *Service) assembleTransaction(ctx context.Context, instructions []solana.Instruction, feePayer solana.PublicKey, signer *custody.Keypair) (*solana.Transaction, solana.Hash, uint64, error) {
	blockhash, lastValid, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, solana.Hash{}, 0, fmt.Errorf("fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, solana.Hash{}, 0, fmt.Errorf("assemble transaction: %w", err)
	}

	// PartialSign fills every signature slot, zeroed for the signers that
	// sign client-side, so the transaction serializes.
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if signer != nil && key.Equals(signer.PublicKey) {
			return &signer.PrivateKey
		}
		return nil
	})
	if err != nil {
		return nil, solana.Hash{}, 0, fmt.Errorf("custody sign: %w", err)
	}
	return tx, blockhash, lastValid, nil
}

func (s *Service) publishStatus(ctx context.Context, assetID, signature string, status domain.ListingStatus) {
	if s.producer == nil {
		return
	}
	event := domain.ListingStatusEvent{
		AssetID:   assetID,
		Signature: signature,
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	}
	if err := s.producer.PublishListingStatus(ctx, event); err != nil {
		log.Printf("level=warn component=escrow_service asset=%s msg=\"failed to publish listing status event\" status=%s err=%v", assetID, status, err)
	}
}

func parsePublicKey(raw, field string) (solana.PublicKey, error) {
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: %s is required", ErrMissingParameter, field)
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s is not a valid address", ErrMissingParameter, field)
	}
	return key, nil
}
