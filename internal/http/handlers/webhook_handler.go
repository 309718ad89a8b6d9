// Gateway webhook ingestion endpoint.
//
// WAHA delivers every session event to a single per-organization URL:
//
//	POST /webhooks/waha/:org
//
// The handler validates the HMAC signature (when enabled), hands the raw
// body to the ingestion service, and reports the outcome. Apart from
// malformed payloads and bad signatures the endpoint always answers 200 so
// the gateway does not enter a redelivery storm over transient faults.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wahadesk/go-wahadesk-backend/internal/http/middleware"
	"github.com/wahadesk/go-wahadesk-backend/internal/services"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
const signatureHeader = "X-Webhook-Signature"

// WebhookIngestService defines the webhook processing operations consumed
// by HTTP handlers.
type WebhookIngestService interface {
	// ValidateSignature checks the signature header against the raw body.
	ValidateSignature(raw []byte, header string) bool
	// ProcessWebhook classifies and persists one delivery.
	ProcessWebhook(ctx context.Context, orgID string, raw []byte) (*services.WebhookResult, error)
}

// ReceiveWebhook godoc
// @ID          receiveWebhook
// @Summary     Ingest a gateway webhook delivery
// @Description Deduplicates and persists WhatsApp events pushed by the gateway.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       org  path    string  true   "Organization ID"  example(org-acme)
// @Param       X-Webhook-Signature  header  string  false  "hex HMAC-SHA256 of the body"
//
// @Success     200  {object}  services.WebhookResult
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed payload"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid signature"
// @Router      /webhooks/waha/{org} [post]
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	org := strings.TrimSpace(c.Param("org"))
	if org == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "organization id required")
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || len(raw) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "empty or unreadable body")
		return
	}

	if !h.hooks.ValidateSignature(raw, c.GetHeader(signatureHeader)) {
		middleware.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook signature")
		return
	}

	res, err := h.hooks.ProcessWebhook(c.Request.Context(), org, raw)
	if err != nil {
		if errors.Is(err, services.ErrInvalidPayload) {
			middleware.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed webhook payload")
			return
		}
		// Transient faults are reported as accepted-but-skipped so the
		// gateway does not retry forever.
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Str("org_id", org).Msg("webhook processing failed")
		middleware.WebhookEvents.WithLabelValues("unknown", services.WebhookSkipped).Inc()
		ok(c, http.StatusOK, services.WebhookResult{Success: false, Status: services.WebhookSkipped})
		return
	}

	event := res.Event
	if event == "" {
		event = "unknown"
	}
	middleware.WebhookEvents.WithLabelValues(event, res.Status).Inc()
	ok(c, http.StatusOK, res)
}
