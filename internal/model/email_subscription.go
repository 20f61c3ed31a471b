package model

import (
	"time"
)

// EmailSubscription is a webhook registration with the email provider.
// Renewal updates ExpiresAt in place so ClientState never changes for a
// given SubscriptionID.
type EmailSubscription struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SubscriptionID string    `json:"subscription_id" gorm:"type:varchar(255);not null;index"`
	Provider       string    `json:"provider" gorm:"type:varchar(50);not null;default:outlook"`
	WebhookURL     string    `json:"webhook_url" gorm:"type:varchar(1024);not null"`
	ClientState    string    `json:"-" gorm:"type:varchar(255);not null"`
	ExpiresAt      time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt      time.Time `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName specifies the table name for EmailSubscription
func (EmailSubscription) TableName() string {
	return "incoming_email_subscriptions"
}

// IsActive reports whether the subscription has not yet expired at now.
func (s *EmailSubscription) IsActive(now time.Time) bool {
	return s.ExpiresAt.After(now)
}
