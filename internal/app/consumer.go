/**
 * @description
 * This file implements the listing status consumer: the piece that feeds
 * out-of-band status events (from an indexer or another service instance)
 * into the reconciler. Messages are JSON-encoded ListingStatusEvent payloads
 * arriving over RabbitMQ.
 *
 * Processing is idempotent end to end. A replayed event funnels into the
 * guarded ledger write and comes back unchanged, and unchanged writes do not
 * publish, so consuming our own published events cannot loop.
 *
 * @dependencies
 * - internal/domain: ListingStatusEvent payload.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ultimart/escrow-service/internal/domain"
	"github.com/ultimart/escrow-service/internal/store"
)

// ListingStatusConsumer applies listing status events to the side ledger.
type ListingStatusConsumer struct {
	reconciler *Reconciler
}

// NewListingStatusConsumer creates a consumer backed by the reconciler.
func NewListingStatusConsumer(reconciler *Reconciler) *ListingStatusConsumer {
	return &ListingStatusConsumer{reconciler: reconciler}
}

// HandleDelivery decodes one message body and applies it. A nil return acks
// the message; an error nacks it for redelivery.
func (c *ListingStatusConsumer) HandleDelivery(ctx context.Context, body []byte) error {
	var event domain.ListingStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Poison messages are acked and dropped; redelivery cannot fix them.
		log.Printf("level=error component=listing_status_consumer msg=\"dropping undecodable message\" err=%v", err)
		return nil
	}
	return c.processEvent(ctx, event)
}

// HandleMessage adapts HandleDelivery to the broker's ack/nack contract.
// Returning true acks the message, false nacks it for redelivery.
func (c *ListingStatusConsumer) HandleMessage(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.HandleDelivery(ctx, body) == nil
}

func (c *ListingStatusConsumer) processEvent(ctx context.Context, event domain.ListingStatusEvent) error {
	changed, err := c.reconciler.ApplyNotification(ctx, &domain.NotifyRequest{
		Asset:     event.AssetID,
		Signature: event.Signature,
		Status:    event.Status,
	})
	if err != nil {
		if errors.Is(err, ErrMissingParameter) || errors.Is(err, store.ErrListingNotFound) {
			// Malformed or orphaned events are dropped; they never become
			// applicable through redelivery.
			log.Printf("level=warn component=listing_status_consumer asset=%s status=%s msg=\"dropping inapplicable event\" err=%v", event.AssetID, event.Status, err)
			return nil
		}
		return fmt.Errorf("apply listing status event: %w", err)
	}
	if changed {
		log.Printf("level=info component=listing_status_consumer asset=%s status=%s msg=\"event reconciled into ledger\"", event.AssetID, event.Status)
	}
	return nil
}
