/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL for the listings side ledger: the
 * off-chain record of which assets sit in escrow custody, at what price,
 * and in which lifecycle status.
 *
 * Status writes are guarded in SQL rather than in Go so replayed
 * notifications and concurrent reconcilers cannot rewind a terminal row.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultimart/escrow-service/internal/domain"
)

var (
	ErrListingNotFound   = errors.New("listing not found")
	ErrListingConflict   = errors.New("asset already has a live listing")
	ErrLedgerUnavailable = errors.New("side ledger unavailable")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const listingColumns = `asset_id, seller_id, price, status, collection_id, derivation_version, tx_signature, created_at, updated_at`

func scanListing(row pgx.Row) (*domain.Listing, error) {
	var l domain.Listing
	err := row.Scan(
		&l.AssetID,
		&l.SellerID,
		&l.Price,
		&l.Status,
		&l.CollectionID,
		&l.DerivationVersion,
		&l.TxSignature,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateListing inserts a listing row for an asset. An asset whose previous
// listing ended in a terminal status gets its row revived in place; a live
// row for the same asset is a conflict.
func (r *PostgresRepository) CreateListing(ctx context.Context, listing *domain.Listing) error {
	query := `
		INSERT INTO listings (asset_id, seller_id, price, status, collection_id, derivation_version, tx_signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			price = EXCLUDED.price,
			status = EXCLUDED.status,
			collection_id = EXCLUDED.collection_id,
			derivation_version = EXCLUDED.derivation_version,
			tx_signature = EXCLUDED.tx_signature,
			created_at = NOW(),
			updated_at = NOW()
		WHERE listings.status IN ('sold', 'unlisted')
	`
	result, err := r.db.Exec(ctx, query,
		listing.AssetID,
		listing.SellerID,
		listing.Price,
		listing.Status,
		listing.CollectionID,
		listing.DerivationVersion,
		listing.TxSignature,
	)
	if err != nil {
		return wrapLedgerErr(err)
	}
	if result.RowsAffected() == 0 {
		return ErrListingConflict
	}
	return nil
}

// FindListingByAssetID retrieves a listing row by asset mint.
func (r *PostgresRepository) FindListingByAssetID(ctx context.Context, assetID string) (*domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE asset_id = $1`
	listing, err := scanListing(r.db.QueryRow(ctx, query, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, wrapLedgerErr(err)
	}
	return listing, nil
}

// UpdateListingStatus moves a listing to the given status. The WHERE clause
// enforces idempotency and forward-only movement: rows already in the target
// status and rows in a terminal status are left untouched.
func (r *PostgresRepository) UpdateListingStatus(ctx context.Context, assetID string, status domain.ListingStatus, txSignature *string) (bool, error) {
	query := `
		UPDATE listings
		SET status = $2,
		    tx_signature = COALESCE($3, tx_signature),
		    updated_at = NOW()
		WHERE asset_id = $1
		  AND status <> $2
		  AND status NOT IN ('sold', 'unlisted')
	`
	result, err := r.db.Exec(ctx, query, assetID, status, txSignature)
	if err != nil {
		return false, wrapLedgerErr(err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing changed. Distinguish a replay from a missing row.
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM listings WHERE asset_id = $1)", assetID).Scan(&exists); err != nil {
		return false, wrapLedgerErr(err)
	}
	if !exists {
		return false, ErrListingNotFound
	}
	return false, nil
}

// DeleteListings removes rows for the given assets and returns the asset ids
// that were actually removed.
func (r *PostgresRepository) DeleteListings(ctx context.Context, assetIDs []string) ([]string, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	query := `DELETE FROM listings WHERE asset_id = ANY($1) RETURNING asset_id`
	rows, err := r.db.Query(ctx, query, assetIDs)
	if err != nil {
		return nil, wrapLedgerErr(err)
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var assetID string
		if err := rows.Scan(&assetID); err != nil {
			return nil, wrapLedgerErr(err)
		}
		deleted = append(deleted, assetID)
	}
	return deleted, rows.Err()
}

// ListActiveListings returns every non-terminal listing, oldest first.
func (r *PostgresRepository) ListActiveListings(ctx context.Context) ([]domain.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE status IN ('active', 'pending')
		ORDER BY created_at ASC
	`
	return r.queryListings(ctx, query)
}

// ListStalePendingListings returns pending listings last touched before the cutoff.
func (r *PostgresRepository) ListStalePendingListings(ctx context.Context, cutoff time.Time) ([]domain.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC
	`
	return r.queryListings(ctx, query, cutoff)
}

func (r *PostgresRepository) queryListings(ctx context.Context, query string, args ...interface{}) ([]domain.Listing, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapLedgerErr(err)
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, wrapLedgerErr(err)
		}
		listings = append(listings, *listing)
	}
	return listings, rows.Err()
}

func wrapLedgerErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}
