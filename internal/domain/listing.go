/**
 * @description
 * This file defines the core domain models for the escrow-service: the Listing
 * row tracked in the side ledger, the purchase fee breakdown, and the ephemeral
 * transaction record used to drive confirmation and retry logic.
 *
 * The listing row is an eventually-consistent annotation over on-chain custody
 * state. It is never authoritative for asset ownership: the custody token
 * account's balance on-chain is the sole source of truth, and every transfer
 * decision must be backed by an independent on-chain check.
 *
 * @dependencies
 * - time: Standard Go library.
 */

package domain

import (
	"strings"
	"time"
)

// ListingStatus is the lifecycle state of a listing row in the side ledger.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusPending  ListingStatus = "pending"
	ListingStatusSold     ListingStatus = "sold"
	ListingStatusUnlisted ListingStatus = "unlisted"
)

// IsTerminal reports whether the status is a terminal state. Terminal rows
// never transition again.
func (s ListingStatus) IsTerminal() bool {
	return s == ListingStatusSold || s == ListingStatusUnlisted
}

// ParseListingStatus normalizes a raw status string from an external caller.
func ParseListingStatus(raw string) (ListingStatus, bool) {
	switch ListingStatus(strings.TrimSpace(strings.ToLower(raw))) {
	case ListingStatusActive:
		return ListingStatusActive, true
	case ListingStatusPending:
		return ListingStatusPending, true
	case ListingStatusSold:
		return ListingStatusSold, true
	case ListingStatusUnlisted:
		return ListingStatusUnlisted, true
	default:
		return "", false
	}
}

// Listing is a row in the side ledger's listings table. AssetID is the base58
// mint address of the listed token; SellerID is the seller's base58 wallet
// address. Price is in lamports.
type Listing struct {
	AssetID           string        `json:"asset_id"`
	SellerID          string        `json:"seller_id"`
	Price             int64         `json:"price"`
	Status            ListingStatus `json:"status"`
	CollectionID      *string       `json:"collection_id,omitempty"`
	DerivationVersion int           `json:"derivation_version"`
	TxSignature       *string       `json:"tx_signature,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// PurchaseBreakdown is the split of a sale price between the seller and the
// royalty recipient. RoyaltyAmount + RemainderAmount always equals TotalPrice.
type PurchaseBreakdown struct {
	TotalPrice       uint64 `json:"total_price"`
	RoyaltyRate      int    `json:"royalty_rate"`
	RoyaltyAmount    uint64 `json:"royalty_amount"`
	RemainderAmount  uint64 `json:"remainder_amount"`
	RoyaltyRecipient string `json:"royalty_recipient"`
}

// TransactionRecord is the ephemeral record a client holds while a submitted
// transaction is in flight. It exists only to drive confirmation and retry.
type TransactionRecord struct {
	Signature            string `json:"signature"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
	Outcome              string `json:"outcome,omitempty"`
}

// CreateListingRequest is the payload for POST /listings.
type CreateListingRequest struct {
	Asset         string  `json:"asset"`
	Price         int64   `json:"price"`
	SellerAddress string  `json:"sellerAddress"`
	CollectionID  *string `json:"collectionId,omitempty"`
}

// CancelListingRequest is the payload for POST /unlist.
type CancelListingRequest struct {
	Asset            string `json:"asset"`
	RequesterAddress string `json:"requesterAddress"`
}

// PurchaseRequest is the payload for POST /purchase.
type PurchaseRequest struct {
	Asset        string `json:"asset"`
	BuyerAddress string `json:"buyerAddress"`
	Price        int64  `json:"price"`
}

// NotifyRequest is the payload for POST /notify.
type NotifyRequest struct {
	Asset     string `json:"asset"`
	Signature string `json:"signature"`
	Status    string `json:"status"`
}

// CleanupRequest is the payload for POST /listings/cleanup.
type CleanupRequest struct {
	AssetIDs []string `json:"assetIds"`
}

// TransactionAccounts names the accounts referenced by a prepared transaction
// so UI callers can display them without re-deriving.
type TransactionAccounts struct {
	Custody             string `json:"custody"`
	CustodyTokenAccount string `json:"custodyTokenAccount"`
	SellerTokenAccount  string `json:"sellerTokenAccount,omitempty"`
	BuyerTokenAccount   string `json:"buyerTokenAccount,omitempty"`
	OwnerTokenAccount   string `json:"ownerTokenAccount,omitempty"`
}

// ListingTransactionResponse carries the unsigned listing transaction back to
// the seller for countersigning client-side.
type ListingTransactionResponse struct {
	Transaction          string              `json:"transaction"`
	Blockhash            string              `json:"blockhash"`
	LastValidBlockHeight uint64              `json:"expiryHeight"`
	Accounts             TransactionAccounts `json:"accounts"`
}

// UnlistResponse carries either a partially signed unlisting transaction or,
// when the asset turned out not to be in custody, a ledger-corrected notice.
type UnlistResponse struct {
	InCustody            bool                 `json:"inCustody"`
	LedgerCorrected      bool                 `json:"ledgerCorrected,omitempty"`
	Transaction          string               `json:"transaction,omitempty"`
	Blockhash            string               `json:"blockhash,omitempty"`
	LastValidBlockHeight uint64               `json:"expiryHeight,omitempty"`
	Accounts             *TransactionAccounts `json:"accounts,omitempty"`
}

// PurchaseResponse carries the partially signed purchase transaction plus the
// fee breakdown for receipt display.
type PurchaseResponse struct {
	Transaction          string              `json:"transaction"`
	Blockhash            string              `json:"blockhash"`
	LastValidBlockHeight uint64              `json:"expiryHeight"`
	Accounts             TransactionAccounts `json:"accounts"`
	Breakdown            PurchaseBreakdown   `json:"breakdown"`
}
