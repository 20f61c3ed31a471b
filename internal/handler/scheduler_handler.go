package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StartScheduler starts the purge and renewal jobs and replies with the
// resulting scheduler status.
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		logrus.WithError(err).Warn("Scheduler start requested but failed")
		respondError(c, http.StatusInternalServerError, "scheduler_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// StopScheduler cancels setup and waits for running jobs.
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		logrus.WithError(err).Warn("Scheduler stop requested but failed")
		respondError(c, http.StatusInternalServerError, "scheduler_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func (h *Handlers) RunCleanup(c *gin.Context) {
	purged, err := h.scheduler.RunCleanupOnce(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "cleanup_failed", "Failed to purge processed emails: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func (h *Handlers) RunRenewal(c *gin.Context) {
	if err := h.scheduler.RunRenewalOnce(c.Request.Context()); err != nil {
		respondError(c, http.StatusBadGateway, "renewal_failed", "Failed to renew subscription: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}
