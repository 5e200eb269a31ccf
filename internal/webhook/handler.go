package webhook

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"ms-payouts/internal/apperr"
	"ms-payouts/internal/logger"
	"ms-payouts/internal/utils"
)

type Handler struct {
	svc         *Service
	log         *logger.Logger
	development bool
}

func NewHandler(svc *Service, log *logger.Logger, development bool) *Handler {
	return &Handler{svc: svc, log: log, development: development}
}

// Engine returns a gin engine serving POST /webhooks/:provider.
func (h *Handler) Engine() *gin.Engine {
	if !h.development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/webhooks/:provider", h.Receive)
	return r
}

// Receive handles a provider webhook. The raw body is kept intact for
// signature verification.
func (h *Handler) Receive(c *gin.Context) {
	name := c.Param("provider")
	payload, err := c.GetRawData()
	if err != nil {
		h.log.LogWebhook(name, "read", fmt.Sprintf("failed to read body: %v", err))
		c.JSON(http.StatusBadRequest, utils.ErrorResponse(apperr.Validation, "Invalid webhook payload"))
		return
	}

	if err := h.svc.HandleWebhook(c.Request.Context(), name, payload, c.Request.Header); err != nil {
		status, body := utils.ErrorFor(err, h.development)
		h.log.LogWebhook(name, "rejected", fmt.Sprintf("status=%d: %v", status, err))
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
