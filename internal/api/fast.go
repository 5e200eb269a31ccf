package api

import (
	"net/http"
	"strconv"

	"ms-payouts/internal/apperr"
)

type fastPayoutRequest struct {
	OrganizerID string `json:"organizer_id" validate:"required"`
	EventID     string `json:"event_id" validate:"required"`
	// Amount is in minor units.
	Amount int64 `json:"amount"`
}

func (h *Handler) RequestFastPayout(w http.ResponseWriter, r *http.Request) {
	var req fastPayoutRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.fast.Request(r.Context(), req.OrganizerID, req.EventID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusCreated, "Fast payout approved", res)
}

func (h *Handler) FastPayoutEligibility(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := fastPayoutRequest{OrganizerID: q.Get("organizer_id"), EventID: q.Get("event_id")}
	if s := q.Get("amount"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.fail(w, r, apperr.Wrap(apperr.Validation, err, "parse amount").WithPublic("amount must be an integer in minor units"))
			return
		}
		req.Amount = n
	}
	if err := h.check(&req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.fast.Eligibility(r.Context(), req.OrganizerID, req.EventID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "", d)
}
