/**
 * @description
 * This file implements the fee split calculation for purchases. A sale price
 * is divided between the royalty recipient and the seller using integer
 * lamport arithmetic. The remainder always absorbs the rounding, so the two
 * parts sum to the total price exactly.
 *
 * @dependencies
 * - internal/domain: PurchaseBreakdown result type.
 */

package app

import (
	"fmt"

	"github.com/ultimart/escrow-service/internal/domain"
)

const (
	// maxRoyaltyRatePercent bounds the whole-percent royalty rate.
	maxRoyaltyRatePercent = 100
	// maxSplitPrice bounds prices so the royalty multiplication cannot
	// overflow uint64.
	maxSplitPrice = ^uint64(0) / 100
)

// ComputeBreakdown splits price lamports between the royalty recipient and
// the seller at the given whole-percent rate. The seller remainder absorbs
// rounding, so RoyaltyAmount + RemainderAmount == TotalPrice always holds.
func ComputeBreakdown(price uint64, ratePercent int, royaltyRecipient string) (domain.PurchaseBreakdown, error) {
	if price == 0 {
		return domain.PurchaseBreakdown{}, fmt.Errorf("%w: price must be positive", ErrMissingParameter)
	}
	if price > maxSplitPrice {
		return domain.PurchaseBreakdown{}, fmt.Errorf("price %d exceeds the maximum splittable amount", price)
	}
	if ratePercent < 0 || ratePercent > maxRoyaltyRatePercent {
		return domain.PurchaseBreakdown{}, fmt.Errorf("royalty rate %d%% outside [0, %d]", ratePercent, maxRoyaltyRatePercent)
	}

	royalty := price * uint64(ratePercent) / 100
	return domain.PurchaseBreakdown{
		TotalPrice:       price,
		RoyaltyRate:      ratePercent,
		RoyaltyAmount:    royalty,
		RemainderAmount:  price - royalty,
		RoyaltyRecipient: royaltyRecipient,
	}, nil
}
