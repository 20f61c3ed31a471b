package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	metricsPkg "agent-mail-gateway/internal/metrics"
	"agent-mail-gateway/internal/model"
	"agent-mail-gateway/internal/provider"
	"agent-mail-gateway/internal/scheduler"
	"agent-mail-gateway/internal/service"
)

// Pinger checks database connectivity. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ProviderHolder is the provider lifecycle. *provider.Holder satisfies it.
type ProviderHolder interface {
	Provider(ctx context.Context) (provider.IncomingEmailProvider, error)
	State() provider.State
	Reset(ctx context.Context) error
}

// Processor runs one inbound email through the agent pipeline.
type Processor interface {
	Process(ctx context.Context, email provider.IncomingEmail, sendReply bool) (*service.InvocationResult, error)
}

// SchedulerControl is the scheduler surface exposed over HTTP.
type SchedulerControl interface {
	Start() error
	Stop() error
	IsRunning() bool
	Status() scheduler.Status
	RunCleanupOnce(ctx context.Context) (int64, error)
	RunRenewalOnce(ctx context.Context) error
}

// AgentLookup resolves agents by id.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db         Pinger
	providers  ProviderHolder
	pipeline   Processor
	scheduler  SchedulerControl
	agents     AgentLookup
	metrics    *metricsPkg.Metrics
	gatherer   prometheus.Gatherer
	webhookURL string

	inflight sync.WaitGroup
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db Pinger, providers ProviderHolder, pipeline Processor, scheduler SchedulerControl, agents AgentLookup, metrics *metricsPkg.Metrics, gatherer prometheus.Gatherer, webhookURL string) *Handlers {
	return &Handlers{
		db:         db,
		providers:  providers,
		pipeline:   pipeline,
		scheduler:  scheduler,
		agents:     agents,
		metrics:    metrics,
		gatherer:   gatherer,
		webhookURL: webhookURL,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.POST("/webhooks/email", h.HandleEmailWebhook)

		api.GET("/agents/:id/email-address", h.GetAgentEmailAddress)

		api.GET("/email/subscription", h.GetSubscription)
		api.POST("/email/subscription", h.CreateSubscription)
		api.POST("/email/subscription/:id/renew", h.RenewSubscription)
		api.DELETE("/email/subscription/:id", h.DeleteSubscription)
		api.GET("/email/subscriptions/remote", h.ListRemoteSubscriptions)
		api.DELETE("/email/subscriptions/remote", h.DeleteRemoteSubscriptions)
		api.POST("/email/provider/reset", h.ResetProvider)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-cleanup", h.RunCleanup)
		api.POST("/scheduler/run-renewal", h.RunRenewal)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// Wait blocks until webhook deliveries still being processed have finished.
func (h *Handlers) Wait() {
	h.inflight.Wait()
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Provider:  h.providers.State().String(),
		Metrics:   make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.providers.State() == provider.StateFailed && response.Status == "ok" {
		response.Status = "degraded"
	}

	status := h.scheduler.Status()
	if status.Running {
		response.Metrics["scheduler"] = "running"
		response.Metrics["next_cleanup"] = status.NextCleanup.Format(time.RFC3339)
		response.Metrics["next_renewal"] = status.NextRenewal.Format(time.RFC3339)
	} else {
		response.Metrics["scheduler"] = "stopped"
	}
	response.Metrics["subscription_setup"] = status.SetupState

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	})
}
