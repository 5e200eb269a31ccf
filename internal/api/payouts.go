package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/auth"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/utils"
)

type triggerRequest struct {
	EventID     string `json:"eventId"`
	OrganizerID string `json:"organizerId" validate:"required_without=EventID"`
	TriggeredBy string `json:"triggeredBy"`
	IsDonation  bool   `json:"isDonationPayout"`
	Provider    string `json:"provider" validate:"omitempty,oneof=paystack flutterwave stripe paypal manual"`
}

func (h *Handler) TriggerPayout(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = auth.UserID(r.Context())
	}

	res, err := payout.Trigger(r.Context(), h.store, h.builder, h.queue, h.defaultProvider, payout.TriggerParams{
		OrganizerID: req.OrganizerID,
		EventID:     req.EventID,
		IsDonation:  req.IsDonation,
		Provider:    req.Provider,
		TriggeredBy: req.TriggeredBy,
	})
	if errors.Is(err, payout.ErrNoPendingPayouts) {
		h.ok(w, http.StatusOK, "No pending payouts", nil)
		return
	}
	if err != nil && res == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		// Queued but the first attempt could not run; the sweep picks it up.
		_, body := utils.ErrorFor(err, h.development)
		res.ErrorCode = apperr.Code(body.Error.Code)
		res.Error = body.Error.Message
		h.log.Warn("API", fmt.Sprintf("payout %s queued, first attempt failed: %v", res.Reference, err))
		h.ok(w, http.StatusAccepted, "Payout queued", res)
		return
	}
	h.ok(w, http.StatusOK, "Payout triggered", res)
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.GetPayoutItem(r.Context(), chi.URLParam(r, "payoutId"))
	if errors.Is(err, storage.ErrNotFound) {
		h.fail(w, r, apperr.New(apperr.NotFound, "payout not found"))
		return
	}
	if err != nil {
		h.fail(w, r, apperr.Wrap(apperr.Internal, err, "load payout"))
		return
	}
	h.ok(w, http.StatusOK, "", item)
}

func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	organizerID := r.URL.Query().Get("organizer_id")
	if organizerID == "" {
		h.fail(w, r, apperr.New(apperr.Validation, "organizer_id is required").WithPublic("organizer_id is required"))
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			h.fail(w, r, apperr.New(apperr.Validation, "limit must be between 1 and 500").WithPublic("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	items, err := h.store.ListPayoutItemsByOrganizer(r.Context(), organizerID, limit)
	if err != nil {
		h.fail(w, r, apperr.Wrap(apperr.Internal, err, "list payouts"))
		return
	}
	h.ok(w, http.StatusOK, "", items)
}

func (h *Handler) RetrySweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.RetryDue(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "Retry sweep finished", res)
}

func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.queue.RetryNow(r.Context(), chi.URLParam(r, "payoutId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "Retry attempted", attempt)
}

type confirmRequest struct {
	ExternalReference string `json:"external_reference" validate:"required"`
}

func (h *Handler) ConfirmPayout(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "payoutId")
	if err := h.queue.ConfirmManual(r.Context(), id, req.ExternalReference, auth.UserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "Payout confirmed", map[string]string{"payout_id": id})
}

type createBatchRequest struct {
	Provider     string   `json:"provider" validate:"required,oneof=paystack flutterwave stripe paypal manual"`
	OrganizerIDs []string `json:"organizer_ids" validate:"required,min=1,dive,required"`
}

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	batch, items, err := h.batches.CreateBatch(r.Context(), req.Provider, req.OrganizerIDs, auth.UserID(r.Context()))
	if errors.Is(err, payout.ErrNoPendingPayouts) {
		h.fail(w, r, apperr.Wrap(apperr.Validation, err, "create batch").WithPublic("No pending payouts for the given organizers"))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusCreated, "Batch created", map[string]any{"batch": batch, "items": items})
}

type processBatchRequest struct {
	BatchID string `json:"batch_id"`
}

// processBatchResponse keeps the batch counters at the top level.
type processBatchResponse struct {
	Success bool `json:"success"`
	*payout.BatchResult
}

func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req processBatchRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.BatchID == "" {
		results, err := h.batches.ProcessPending(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.ok(w, http.StatusOK, "Pending batches processed", results)
		return
	}
	res, err := h.batches.ProcessBatch(r.Context(), req.BatchID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	utils.WriteJSON(w, http.StatusOK, processBatchResponse{Success: true, BatchResult: res})
}

func (h *Handler) ConfirmBatchItem(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	if err := h.batches.ConfirmManual(r.Context(), ref, auth.UserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "Batch item confirmed", map[string]string{"reference": ref})
}
