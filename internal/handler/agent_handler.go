package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GetAgentEmailAddress returns the sub-address that routes mail to an agent
func (h *Handlers) GetAgentEmailAddress(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_error", "Invalid agent ID")
		return
	}

	agent, err := h.agents.GetAgent(c.Request.Context(), id.String())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "database_error", "Failed to fetch agent")
		return
	}
	if agent == nil {
		respondError(c, http.StatusNotFound, "not_found", "Agent not found")
		return
	}

	prov, err := h.providers.Provider(c.Request.Context())
	if err != nil || prov == nil {
		respondError(c, http.StatusServiceUnavailable, "provider_unavailable", "Incoming email is not available")
		return
	}

	c.JSON(http.StatusOK, AgentEmailResponse{
		AgentID:              agent.ID,
		EmailAddress:         prov.GenerateEmailAddress(agent.ID),
		IncomingEmailEnabled: agent.IncomingEmailEnabled,
		SecurityMode:         string(agent.IncomingEmailSecurityMode),
	})
}
