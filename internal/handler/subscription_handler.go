package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/provider"
)

// subscriptions resolves the provider's subscription capability, writing
// the error response itself when there is none.
func (h *Handlers) subscriptions(c *gin.Context) (provider.SubscriptionManager, bool) {
	prov, err := h.providers.Provider(c.Request.Context())
	if err != nil || prov == nil {
		respondError(c, http.StatusServiceUnavailable, "provider_unavailable", "Incoming email is not available")
		return nil, false
	}
	subs := prov.Subscriptions()
	if subs == nil {
		respondError(c, http.StatusNotImplemented, "not_supported", "Provider does not manage subscriptions")
		return nil, false
	}
	return subs, true
}

// GetSubscription returns the most recent subscription
func (h *Handlers) GetSubscription(c *gin.Context) {
	subs, ok := h.subscriptions(c)
	if !ok {
		return
	}

	info, err := subs.GetSubscriptionStatus(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "database_error", "Failed to fetch subscription")
		return
	}
	if info == nil {
		respondError(c, http.StatusNotFound, "not_found", "No subscription found")
		return
	}

	c.JSON(http.StatusOK, info)
}

// CreateSubscription registers a new webhook subscription
func (h *Handlers) CreateSubscription(c *gin.Context) {
	var req SubscriptionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "validation_error", "Invalid request body")
			return
		}
	}
	webhookURL := req.WebhookURL
	if webhookURL == "" {
		webhookURL = h.webhookURL
	}
	if webhookURL == "" {
		respondError(c, http.StatusBadRequest, "validation_error", "webhook_url is required")
		return
	}

	subs, ok := h.subscriptions(c)
	if !ok {
		return
	}

	info, err := subs.CreateSubscription(c.Request.Context(), webhookURL)
	if err != nil {
		logrus.Errorf("Failed to create subscription: %v", err)
		respondError(c, http.StatusBadGateway, "provider_error", err.Error())
		return
	}

	c.JSON(http.StatusCreated, info)
}

// RenewSubscription extends a subscription's lease
func (h *Handlers) RenewSubscription(c *gin.Context) {
	subs, ok := h.subscriptions(c)
	if !ok {
		return
	}

	id := c.Param("id")
	expiresAt, err := subs.RenewSubscription(c.Request.Context(), id)
	if err != nil {
		logrus.Errorf("Failed to renew subscription %s: %v", id, err)
		respondError(c, http.StatusBadGateway, "provider_error", err.Error())
		return
	}

	c.JSON(http.StatusOK, RenewResponse{SubscriptionID: id, ExpiresAt: expiresAt})
}

// DeleteSubscription removes a subscription on the provider and locally
func (h *Handlers) DeleteSubscription(c *gin.Context) {
	subs, ok := h.subscriptions(c)
	if !ok {
		return
	}

	id := c.Param("id")
	if err := subs.DeleteSubscription(c.Request.Context(), id); err != nil {
		respondError(c, http.StatusInternalServerError, "database_error", "Failed to delete subscription")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Subscription deleted successfully"})
}

// ListRemoteSubscriptions lists subscriptions as the provider reports them
func (h *Handlers) ListRemoteSubscriptions(c *gin.Context) {
	subs, ok := h.subscriptions(c)
	if !ok {
		return
	}

	remote, err := subs.ListRemoteSubscriptions(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "provider_error", err.Error())
		return
	}

	c.JSON(http.StatusOK, remote)
}

// DeleteRemoteSubscriptions removes every provider-side subscription
func (h *Handlers) DeleteRemoteSubscriptions(c *gin.Context) {
	subs, ok := h.subscriptions(c)
	if !ok {
		return
	}

	deleted, err := subs.DeleteAllRemoteSubscriptions(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "provider_error", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// ResetProvider tears the provider down so the next request rebuilds it
func (h *Handlers) ResetProvider(c *gin.Context) {
	if err := h.providers.Reset(c.Request.Context()); err != nil {
		logrus.Warnf("Provider reset cleanup failed: %v", err)
	}

	state := h.providers.State()
	if _, err := h.providers.Provider(c.Request.Context()); err != nil {
		respondError(c, http.StatusServiceUnavailable, "provider_unavailable", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "Provider reset successfully",
		"previous_state": state.String(),
		"state":          h.providers.State().String(),
	})
}
