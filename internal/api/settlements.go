package api

import (
	"net/http"
	"time"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/settlement"
	"ms-payouts/internal/utils"
)

type syncRequest struct {
	Provider    string `json:"provider" validate:"omitempty,oneof=paystack flutterwave stripe paypal"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	CountryCode string `json:"country_code" validate:"omitempty,len=2"`
}

func (h *Handler) SyncSettlements(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p := settlement.SyncParams{Provider: req.Provider, CountryCode: req.CountryCode}
	for _, d := range []struct {
		raw string
		dst *time.Time
	}{{req.StartDate, &p.Start}, {req.EndDate, &p.End}} {
		if d.raw == "" {
			continue
		}
		t, err := utils.ParseDate(d.raw)
		if err != nil {
			h.fail(w, r, apperr.Wrap(apperr.Validation, err, "parse date").WithPublic(err.Error()))
			return
		}
		*d.dst = t
	}

	results, err := h.syncer.Sync(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "Settlement sync finished", results)
}

func (h *Handler) SettlementStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.syncer.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "", st)
}
