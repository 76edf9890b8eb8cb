/**
 * @description
 * This file implements ledger reconciliation: the paths that bring the side
 * ledger back in line with what actually happened on-chain. Clients report
 * outcomes through notifications, an out-of-band consumer replays them, and
 * a scheduled sweep re-verifies rows that have sat untouched too long.
 *
 * Every write funnels through the guarded status update in the store, so
 * replaying the same notification any number of times leaves the ledger in
 * the same state. Terminal statuses are only recorded once the chain
 * confirms the reported signature; an unconfirmed report is downgraded to
 * pending rather than trusted.
 *
 * @dependencies
 * - internal/store: Guarded listing status writes.
 * - internal/domain: Listing and notification models.
 * - internal/custody: Custody re-verification during sweeps.
 * - pkg/chainclient: Signature status lookups.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ultimart/escrow-service/internal/custody"
	"github.com/ultimart/escrow-service/internal/domain"
	"github.com/ultimart/escrow-service/internal/platform/metrics"
	"github.com/ultimart/escrow-service/internal/store"
	"github.com/ultimart/escrow-service/pkg/chainclient"
)

// SignatureChecker is the subset of the chain client the reconciler consumes.
type SignatureChecker interface {
	SignatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (*chainclient.SignatureStatus, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
}

// Reconciler applies reported transaction outcomes to the side ledger.
type Reconciler struct {
	repo      store.Repository
	chain     SignatureChecker
	verifier  CustodyVerifier
	producer  EventPublisher
	authority solana.PublicKey
}

// NewReconciler creates a reconciler over the given store and chain readers.
func NewReconciler(repo store.Repository, chain SignatureChecker, verifier CustodyVerifier, producer EventPublisher, authority solana.PublicKey) *Reconciler {
	return &Reconciler{
		repo:      repo,
		chain:     chain,
		verifier:  verifier,
		producer:  producer,
		authority: authority,
	}
}

// SweepReport summarizes one reconciliation sweep.
type SweepReport struct {
	Examined  int `json:"examined"`
	Corrected int `json:"corrected"`
	Skipped   int `json:"skipped"`
}

// ApplyNotification records a client-reported transaction outcome. Returns
// whether the ledger row changed. Replays of the same notification report
// false with no error.
func (r *Reconciler) ApplyNotification(ctx context.Context, req *domain.NotifyRequest) (bool, error) {
	mint, err := parsePublicKey(req.Asset, "asset")
	if err != nil {
		return false, err
	}
	status, ok := domain.ParseListingStatus(req.Status)
	if !ok {
		return false, fmt.Errorf("%w: status %q is not a listing status", ErrMissingParameter, req.Status)
	}

	var signature *string
	if req.Signature != "" {
		signature = &req.Signature
	}

	// Terminal statuses stick. They are only written once the chain confirms
	// the signature the client reported.
	if status.IsTerminal() {
		confirmed, err := r.signatureConfirmed(ctx, req.Signature)
		if err != nil {
			return false, err
		}
		if !confirmed {
			log.Printf("level=warn component=reconciler asset=%s signature=%s msg=\"reported %s not confirmed on chain; recording pending instead\"", mint, req.Signature, status)
			status = domain.ListingStatusPending
		}
	}

	changed, err := r.repo.UpdateListingStatus(ctx, mint.String(), status, signature)
	if err != nil {
		if errors.Is(err, store.ErrListingNotFound) {
			return false, err
		}
		return false, fmt.Errorf("record notification: %w", err)
	}
	if changed {
		metrics.ReconcileOutcomes.WithLabelValues(string(status)).Inc()
		r.publishStatus(ctx, mint.String(), req.Signature, status)
		log.Printf("level=info component=reconciler asset=%s signature=%s status=%s msg=\"ledger row reconciled\"", mint, req.Signature, status)
	}
	return changed, nil
}

// CleanupListings removes ledger rows for assets whose mint no longer
// resolves on-chain. Assets that still resolve, and assets whose existence
// cannot be determined, are left alone.
func (r *Reconciler) CleanupListings(ctx context.Context, assetIDs []string) ([]string, error) {
	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("%w: assetIds is required", ErrMissingParameter)
	}

	var removable []string
	for _, assetID := range assetIDs {
		mint, err := parsePublicKey(assetID, "assetIds")
		if err != nil {
			return nil, err
		}
		exists, err := r.chain.AccountExists(ctx, mint)
		if err != nil {
			log.Printf("level=warn component=reconciler asset=%s msg=\"cleanup existence check failed; keeping row\" err=%v", assetID, err)
			continue
		}
		if !exists {
			removable = append(removable, mint.String())
		}
	}

	deleted, err := r.repo.DeleteListings(ctx, removable)
	if err != nil {
		return nil, fmt.Errorf("delete listings: %w", err)
	}
	if len(deleted) > 0 {
		log.Printf("level=info component=reconciler count=%d msg=\"unresolvable listings removed\"", len(deleted))
	}
	return deleted, nil
}

// SweepStaleListings re-verifies rows that have not moved within ttl and
// corrects rows the chain contradicts. A row with the asset still in custody
// settles back to active; a row whose asset has left custody settles to
// unlisted.
func (r *Reconciler) SweepStaleListings(ctx context.Context, ttl time.Duration) (SweepReport, error) {
	cutoff := time.Now().Add(-ttl)
	report := SweepReport{}

	stale, err := r.repo.ListStalePendingListings(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list stale pending listings: %w", err)
	}
	active, err := r.repo.ListActiveListings(ctx)
	if err != nil {
		return report, fmt.Errorf("list active listings: %w", err)
	}
	for _, listing := range active {
		if listing.Status == domain.ListingStatusActive && listing.UpdatedAt.Before(cutoff) {
			stale = append(stale, listing)
		}
	}

	for _, listing := range stale {
		report.Examined++
		corrected, err := r.sweepOne(ctx, listing)
		if err != nil {
			report.Skipped++
			log.Printf("level=warn component=reconciler asset=%s msg=\"sweep skipped row\" err=%v", listing.AssetID, err)
			continue
		}
		if corrected {
			report.Corrected++
		}
	}

	log.Printf("level=info component=reconciler examined=%d corrected=%d skipped=%d msg=\"stale listing sweep finished\"", report.Examined, report.Corrected, report.Skipped)
	return report, nil
}

func (r *Reconciler) sweepOne(ctx context.Context, listing domain.Listing) (bool, error) {
	mint, err := solana.PublicKeyFromBase58(listing.AssetID)
	if err != nil {
		return false, fmt.Errorf("row carries an invalid asset id: %w", err)
	}
	keypair, err := custody.Derive(listing.DerivationVersion, r.authority, mint)
	if err != nil {
		return false, err
	}

	result, err := r.verifier.Verify(ctx, mint, keypair.PublicKey)
	if err != nil {
		return false, err
	}

	var target domain.ListingStatus
	switch result.State {
	case custody.StateInCustody:
		target = domain.ListingStatusActive
	case custody.StateNotInCustody:
		target = domain.ListingStatusUnlisted
	default:
		return false, fmt.Errorf("custody state unknown for %s", listing.AssetID)
	}
	if target == listing.Status {
		return false, nil
	}

	changed, err := r.repo.UpdateListingStatus(ctx, listing.AssetID, target, nil)
	if err != nil {
		return false, err
	}
	if changed {
		metrics.ReconcileOutcomes.WithLabelValues(string(target)).Inc()
		r.publishStatus(ctx, listing.AssetID, "", target)
		log.Printf("level=info component=reconciler asset=%s from=%s to=%s inferred=%v msg=\"stale row corrected against chain\"", listing.AssetID, listing.Status, target, result.Inferred)
	}
	return changed, nil
}

func (r *Reconciler) signatureConfirmed(ctx context.Context, rawSignature string) (bool, error) {
	if rawSignature == "" {
		return false, fmt.Errorf("%w: a terminal status requires a signature", ErrMissingParameter)
	}
	sig, err := solana.SignatureFromBase58(rawSignature)
	if err != nil {
		return false, fmt.Errorf("%w: signature is not valid base58", ErrMissingParameter)
	}

	status, err := r.chain.SignatureStatus(ctx, sig, true)
	if err != nil {
		if errors.Is(err, chainclient.ErrSignatureNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check signature status: %w", err)
	}
	return status.Finalized(), nil
}

func (r *Reconciler) publishStatus(ctx context.Context, assetID, signature string, status domain.ListingStatus) {
	if r.producer == nil {
		return
	}
	event := domain.ListingStatusEvent{
		AssetID:   assetID,
		Signature: signature,
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	}
	if err := r.producer.PublishListingStatus(ctx, event); err != nil {
		log.Printf("level=warn component=reconciler asset=%s msg=\"failed to publish listing status event\" status=%s err=%v", assetID, status, err)
	}
}
