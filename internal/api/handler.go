// Package api is the operator HTTP surface of the payout service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/fastpayout"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/payout"
	"ms-payouts/internal/provider"
	"ms-payouts/internal/settlement"
	"ms-payouts/internal/storage"
	"ms-payouts/internal/utils"
)

type Deps struct {
	Store           *storage.Store
	Builder         *payout.Builder
	Queue           *payout.Queue
	Batches         *payout.BatchProcessor
	FastPayouts     *fastpayout.Service
	Settlements     *settlement.Syncer
	DefaultProvider provider.Name
	Log             *logger.Logger
	Development     bool
}

type Handler struct {
	store           *storage.Store
	builder         *payout.Builder
	queue           *payout.Queue
	batches         *payout.BatchProcessor
	fast            *fastpayout.Service
	syncer          *settlement.Syncer
	defaultProvider provider.Name
	validate        *validator.Validate
	log             *logger.Logger
	development     bool
}

func NewHandler(d Deps) *Handler {
	if d.DefaultProvider == "" {
		d.DefaultProvider = provider.Paystack
	}
	return &Handler{
		store:           d.Store,
		builder:         d.Builder,
		queue:           d.Queue,
		batches:         d.Batches,
		fast:            d.FastPayouts,
		syncer:          d.Settlements,
		defaultProvider: d.DefaultProvider,
		validate:        newValidator(),
		log:             d.Log,
		development:     d.Development,
	}
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. An empty body is
// treated as an empty object.
func (h *Handler) decode(r *http.Request, dst any) error {
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return apperr.Wrap(apperr.Validation, err, "decode request body").WithPublic("Invalid request body")
		}
	}
	return h.check(dst)
}

func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.Validation, err, "validate request")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	msg := strings.Join(msgs, "; ")
	return apperr.New(apperr.Validation, msg).WithPublic(msg)
}

func (h *Handler) ok(w http.ResponseWriter, status int, message string, data any) {
	utils.WriteJSON(w, status, utils.SuccessResponse(message, data))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := utils.ErrorFor(err, h.development)
	if status >= http.StatusInternalServerError {
		h.log.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	} else {
		h.log.Debug("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}
	utils.WriteJSON(w, status, body)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.fail(w, r, apperr.Wrap(apperr.ServiceUnavailable, err, "database ping"))
		return
	}
	h.ok(w, http.StatusOK, "ok", map[string]string{"status": "healthy"})
}
