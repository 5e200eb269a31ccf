package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ms-payouts/internal/auth"
	"ms-payouts/internal/logger"
)

// NewRouter wires the public health check, the provider webhook engine
// and the authenticated operator API.
func NewRouter(h *Handler, verifier auth.Verifier, webhooks http.Handler, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/health", h.Health)
	if webhooks != nil {
		// Signature checks replace bearer auth on webhooks.
		r.Handle("/webhooks/*", webhooks)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, log))

		r.Route("/api/payouts", func(r chi.Router) {
			r.Get("/", h.ListPayouts)
			r.Post("/trigger", h.TriggerPayout)
			r.Post("/retry-sweep", h.RetrySweep)

			r.Post("/batches", h.CreateBatch)
			r.Post("/batches/process", h.ProcessBatch)
			r.With(auth.RequireRole(auth.RoleFinance)).Post("/batches/items/{reference}/confirm", h.ConfirmBatchItem)

			r.Post("/fast", h.RequestFastPayout)
			r.Get("/fast/eligibility", h.FastPayoutEligibility)

			r.Get("/{payoutId}", h.GetPayout)
			r.Post("/{payoutId}/retry", h.RetryPayout)
			r.With(auth.RequireRole(auth.RoleFinance)).Post("/{payoutId}/confirm", h.ConfirmPayout)
		})

		r.Route("/api/settlements", func(r chi.Router) {
			r.Post("/sync", h.SyncSettlements)
			r.Get("/status", h.SettlementStatus)
		})
	})
	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).Round(time.Microsecond).String())
		})
	}
}
