/**
 * @description
 * This file defines the data persistence contract for the escrow-service.
 * The `Repository` interface abstracts every side-ledger operation so the
 * service layer stays decoupled from PostgreSQL, which keeps handlers and
 * the reconciler testable against in-memory stubs.
 *
 * @dependencies
 * - context: For cancellation and timeouts on database operations.
 * - internal/domain: The listing and event models moved through the store.
 */

package store

import (
	"context"
	"time"

	"github.com/ultimart/escrow-service/internal/domain"
)

// Repository defines the interface for all side-ledger storage operations.
type Repository interface {
	// CreateListing inserts a listing row, or revives an existing row for the
	// same asset when its previous listing already reached a terminal status.
	CreateListing(ctx context.Context, listing *domain.Listing) error

	// FindListingByAssetID retrieves the listing row for an asset mint.
	// Returns ErrListingNotFound when no row exists.
	FindListingByAssetID(ctx context.Context, assetID string) (*domain.Listing, error)

	// UpdateListingStatus moves a listing to the given status, guarding
	// terminal states against rewinds. The returned bool reports whether the
	// row actually changed, so replayed notifications stay idempotent.
	UpdateListingStatus(ctx context.Context, assetID string, status domain.ListingStatus, txSignature *string) (bool, error)

	// DeleteListings removes rows for assets whose escrow accounts no longer
	// hold them. Returns the asset ids actually deleted.
	DeleteListings(ctx context.Context, assetIDs []string) ([]string, error)

	// ListActiveListings returns every non-terminal listing, oldest first.
	ListActiveListings(ctx context.Context) ([]domain.Listing, error)

	// ListStalePendingListings returns pending listings older than the cutoff.
	// The reconciliation sweep re-checks these against the chain.
	ListStalePendingListings(ctx context.Context, cutoff time.Time) ([]domain.Listing, error)
}
