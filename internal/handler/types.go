package handler

import "time"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Provider  string            `json:"provider"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WebhookResponse acknowledges a notification batch. The batch is parsed
// after the response is written.
type WebhookResponse struct {
	Status string `json:"status"`
}

// SubscriptionRequest creates a webhook subscription. WebhookURL defaults to
// the configured URL.
type SubscriptionRequest struct {
	WebhookURL string `json:"webhook_url" binding:"omitempty,url"`
}

// RenewResponse reports a renewed subscription lease.
type RenewResponse struct {
	SubscriptionID string    `json:"subscription_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// AgentEmailResponse is the routable address of an agent.
type AgentEmailResponse struct {
	AgentID              string `json:"agent_id"`
	EmailAddress         string `json:"email_address"`
	IncomingEmailEnabled bool   `json:"incoming_email_enabled"`
	SecurityMode         string `json:"security_mode"`
}
