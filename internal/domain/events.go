package domain

import "time"

// ListingStatusEvent is published to the message broker whenever a listing row
// is written, and consumed back from out-of-band sources (indexers, the UI's
// confirmation callback) to reconcile rows idempotently.
type ListingStatusEvent struct {
	AssetID   string    `json:"asset_id"`
	Signature string    `json:"signature,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
