package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/provider"
	"agent-mail-gateway/internal/service"
)

const maxWebhookBody = 1 << 20

// HandleEmailWebhook answers the subscription validation handshake and
// acknowledges authenticated notifications with 202 before any message is
// fetched. Parsing and the agent pipeline run afterwards on a detached
// context tracked by Wait.
func (h *Handlers) HandleEmailWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", "Failed to read request body")
		return
	}
	if len(body) > maxWebhookBody {
		respondError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "Notification payload too large")
		return
	}

	ctx := c.Request.Context()
	prov, err := h.providers.Provider(ctx)
	if err != nil || prov == nil {
		respondError(c, http.StatusServiceUnavailable, "provider_unavailable", "Incoming email is not available")
		return
	}

	if token, ok := prov.HandleValidationChallenge(body); ok {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	h.metrics.WebhookNotifications.Inc()

	if !prov.ValidateWebhookRequest(ctx, body, c.Request.Header) {
		h.metrics.WebhookRejected.Inc()
		logrus.WithField("remote_addr", c.ClientIP()).Warn("Rejected webhook with invalid client state")
		respondError(c, http.StatusUnauthorized, "invalid_client_state", "Webhook client state did not match")
		return
	}

	// Message fetches and agent runs must not be cut short when the
	// provider closes the connection after our acknowledgement.
	detached := context.WithoutCancel(ctx)
	header := c.Request.Header.Clone()

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.dispatch(detached, prov, body, header)
	}()

	c.JSON(http.StatusAccepted, WebhookResponse{Status: "accepted"})
}

// dispatch fetches the notified messages and runs the pipeline for each one
// concurrently.
func (h *Handlers) dispatch(ctx context.Context, prov provider.IncomingEmailProvider, body []byte, header http.Header) {
	emails, err := prov.ParseWebhookNotification(ctx, body, header)
	if err != nil {
		logrus.WithError(err).Error("Failed to parse webhook notification")
		return
	}
	if len(emails) == 0 {
		logrus.Debug("Webhook notification contained no agent emails")
		return
	}

	for _, email := range emails {
		h.inflight.Add(1)
		go func(email provider.IncomingEmail) {
			defer h.inflight.Done()
			h.process(ctx, email)
		}(email)
	}
}

func (h *Handlers) process(ctx context.Context, email provider.IncomingEmail) {
	log := logrus.WithFields(logrus.Fields{
		"message_id": email.MessageID,
		"to":         email.ToAddress,
		"sender":     email.FromAddress,
	})

	result, err := h.pipeline.Process(ctx, email, true)
	switch {
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrUnknownSecurityMode):
		log.WithField("reason", service.Reason(err)).Warnf("Inbound email rejected: %v", err)
	case err != nil:
		log.WithField("reason", service.Reason(err)).Errorf("Inbound email failed: %v", err)
	case result == nil:
		log.Debug("Inbound email produced no reply")
	default:
		log.WithFields(logrus.Fields{
			"agent_id":   result.AgentID,
			"reply_sent": result.ReplySent,
		}).Info("Inbound email processed")
	}
}
