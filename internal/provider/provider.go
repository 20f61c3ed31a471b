// Package provider defines the channel-agnostic contract between the agent
// email pipeline and a concrete mailbox provider.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrWebhookNotReady matches provider errors raised when a subscription could
// not be created because the webhook endpoint did not answer the provider's
// validation request yet. Such failures are worth retrying.
var ErrWebhookNotReady = errors.New("webhook endpoint not ready for validation")

// IncomingEmail is one inbound message normalized by a provider. It is never
// persisted; only MessageID reaches the dedup ledger.
type IncomingEmail struct {
	MessageID      string
	ConversationID string
	ToAddress      string
	FromAddress    string
	FromName       string
	Subject        string
	Body           string
	HTMLBody       string
	ReceivedAt     time.Time
	Metadata       map[string]string
}

// ThreadMessage is a prior message in the same conversation.
type ThreadMessage struct {
	MessageID      string
	FromAddress    string
	FromName       string
	Body           string
	ReceivedAt     time.Time
	IsAgentMessage bool
}

// ReplyParams describes a reply to an inbound email.
type ReplyParams struct {
	Original  IncomingEmail
	Body      string
	HTMLBody  string
	AgentName string
}

// SubscriptionInfo is the combined provider and local view of a webhook
// subscription.
type SubscriptionInfo struct {
	ID             uint      `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	Provider       string    `json:"provider"`
	WebhookURL     string    `json:"webhook_url"`
	ClientState    string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsActive       bool      `json:"is_active"`
}

// RemoteSubscription is a subscription as the provider reports it.
type RemoteSubscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"change_type"`
	NotificationURL    string    `json:"notification_url"`
	ExpirationDateTime time.Time `json:"expiration_date_time"`
}

// IncomingEmailProvider is implemented by every mailbox integration.
type IncomingEmailProvider interface {
	// Name identifies the provider, e.g. "outlook".
	Name() string
	IsConfigured() bool
	Initialize(ctx context.Context) error

	GenerateEmailAddress(agentID string) string
	ExtractAgentIDFromEmail(address string) (string, bool)

	// HandleValidationChallenge returns the token to echo during the webhook
	// registration handshake.
	HandleValidationChallenge(payload []byte) (string, bool)
	ValidateWebhookRequest(ctx context.Context, payload []byte, headers http.Header) bool
	ParseWebhookNotification(ctx context.Context, payload []byte, headers http.Header) ([]IncomingEmail, error)

	// GetConversationHistory never fails; errors degrade to an empty slice.
	GetConversationHistory(ctx context.Context, conversationID, excludeMessageID string) []ThreadMessage
	SendReply(ctx context.Context, params ReplyParams) (string, error)

	// Subscriptions returns the subscription lifecycle capability, or nil when
	// the provider has none.
	Subscriptions() SubscriptionManager

	Cleanup(ctx context.Context) error
}

// SubscriptionManager is the optional webhook subscription lifecycle a
// provider may expose.
type SubscriptionManager interface {
	CreateSubscription(ctx context.Context, webhookURL string) (*SubscriptionInfo, error)
	RenewSubscription(ctx context.Context, subscriptionID string) (time.Time, error)
	GetSubscriptionStatus(ctx context.Context) (*SubscriptionInfo, error)
	GetActiveSubscription(ctx context.Context) (*SubscriptionInfo, error)
	ListRemoteSubscriptions(ctx context.Context) ([]RemoteSubscription, error)
	DeleteAllRemoteSubscriptions(ctx context.Context) (int, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}
