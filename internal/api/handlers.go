/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service or reconciler, and writing
 * the HTTP response. They act as the bridge between the web layer and the
 * business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/chainclient: Chain availability sentinel for status mapping.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ultimart/escrow-service/internal/app"
	"github.com/ultimart/escrow-service/internal/domain"
	"github.com/ultimart/escrow-service/internal/store"
	"github.com/ultimart/escrow-service/pkg/chainclient"
)

// ListingHandlers holds the application services that handlers will use.
type ListingHandlers struct {
	service    *app.Service
	reconciler *app.Reconciler
	limiter    app.RateLimiter

	purchaseRateLimit  int
	purchaseRateWindow time.Duration
}

// NewListingHandlers creates a new instance of ListingHandlers.
func NewListingHandlers(service *app.Service, reconciler *app.Reconciler, limiter app.RateLimiter, purchaseRateLimit int, purchaseRateWindow time.Duration) *ListingHandlers {
	return &ListingHandlers{
		service:            service,
		reconciler:         reconciler,
		limiter:            limiter,
		purchaseRateLimit:  purchaseRateLimit,
		purchaseRateWindow: purchaseRateWindow,
	}
}

// CreateListingHandler handles POST /listings.
func (h *ListingHandlers) CreateListingHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.service.CreateListing(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, "create_listing", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// CancelListingHandler handles POST /unlist.
func (h *ListingHandlers) CancelListingHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.service.CancelListing(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, "cancel_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// PurchaseHandler handles POST /purchase.
func (h *ListingHandlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if h.limiter != nil && req.BuyerAddress != "" {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "purchase", req.BuyerAddress, h.purchaseRateLimit, h.purchaseRateWindow)
		if err != nil {
			// A broken limiter never blocks purchases.
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if h.purchaseRateLimit > 0 && count > h.purchaseRateLimit {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many purchase attempts. Please slow down.")
			return
		}
	}

	resp, err := h.service.PreparePurchase(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, "purchase", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetListingHandler handles GET /listings/{asset}.
func (h *ListingHandlers) GetListingHandler(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "asset")

	listing, err := h.service.GetListing(r.Context(), assetID)
	if err != nil {
		h.writeServiceError(w, r, "get_listing", err)
		return
	}
	h.writeJSON(w, http.StatusOK, listing)
}

// NotifyHandler handles POST /notify. Notifications are applied best-effort:
// the endpoint answers 200 whenever the report was understood, even when the
// row was already in the reported state.
func (h *ListingHandlers) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	changed, err := h.reconciler.ApplyNotification(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, "notify", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"applied": changed})
}

// CleanupListingsHandler handles POST /listings/cleanup.
func (h *ListingHandlers) CleanupListingsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deleted, err := h.reconciler.CleanupListings(r.Context(), req.AssetIDs)
	if err != nil {
		h.writeServiceError(w, r, "cleanup", err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": deleted})
}

// SweepHandler handles POST /reconcile/sweep, the operator trigger for the
// scheduled sweep.
func (h *ListingHandlers) SweepHandler(w http.ResponseWriter, r *http.Request) {
	ttl := 30 * time.Minute
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid ttl duration")
			return
		}
		ttl = parsed
	}

	report, err := h.reconciler.SweepStaleListings(r.Context(), ttl)
	if err != nil {
		h.writeServiceError(w, r, "sweep", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// writeServiceError maps sentinel errors onto HTTP statuses. Responses carry
// a stable error_kind so clients can branch without parsing messages.
func (h *ListingHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, app.ErrMissingParameter):
		h.writeErrorKind(w, http.StatusBadRequest, "missing_parameter", err.Error())
	case errors.Is(err, app.ErrNotAuthorized):
		h.writeErrorKind(w, http.StatusForbidden, "not_authorized", "Requester is not authorized for this listing")
	case errors.Is(err, store.ErrListingNotFound):
		h.writeErrorKind(w, http.StatusNotFound, "listing_not_found", "No listing found for this asset")
	case errors.Is(err, app.ErrNotInCustody):
		h.writeErrorKind(w, http.StatusConflict, "not_in_custody", "Asset is not in escrow custody")
	case errors.Is(err, app.ErrConsistencyConflict):
		h.writeErrorKind(w, http.StatusConflict, "consistency_conflict", err.Error())
	case errors.Is(err, chainclient.ErrChainUnavailable):
		h.writeErrorKind(w, http.StatusServiceUnavailable, "chain_unavailable", "Chain RPC is unavailable; please retry")
	case errors.Is(err, store.ErrLedgerUnavailable):
		h.writeErrorKind(w, http.StatusServiceUnavailable, "ledger_unavailable", "Listing ledger is unavailable; please retry")
	default:
		log.Printf("level=error component=api op=%s msg=\"unhandled service error\" err=%v", op, err)
		h.writeErrorKind(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *ListingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *ListingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *ListingHandlers) writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "error_kind": kind})
}
