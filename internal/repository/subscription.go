package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agent-mail-gateway/internal/model"
)

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSubscriptionStore creates a store backed by incoming_email_subscriptions.
func NewSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db, now: time.Now}
}

// Create inserts a new subscription row.
func (s *SubscriptionStore) Create(ctx context.Context, sub *model.EmailSubscription) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetActive returns the most recently created subscription that has not
// expired, or nil.
func (s *SubscriptionStore) GetActive(ctx context.Context) (*model.EmailSubscription, error) {
	var subs []model.EmailSubscription
	err := s.db.WithContext(ctx).
		Where("expires_at > ?", s.now().UTC()).
		Order("created_at DESC").
		Limit(1).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// GetMostRecent returns the most recently created subscription regardless of
// expiry, or nil.
func (s *SubscriptionStore) GetMostRecent(ctx context.Context) (*model.EmailSubscription, error) {
	var subs []model.EmailSubscription
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(1).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get latest subscription: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// GetBySubscriptionID looks a row up by the provider-assigned id.
func (s *SubscriptionStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.EmailSubscription, error) {
	var sub model.EmailSubscription
	err := s.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", subscriptionID, err)
	}
	return &sub, nil
}

// List returns every stored subscription, newest first.
func (s *SubscriptionStore) List(ctx context.Context) ([]model.EmailSubscription, error) {
	var subs []model.EmailSubscription
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// UpdateExpiry moves the expiry of an existing row. The client state is left
// untouched.
func (s *SubscriptionStore) UpdateExpiry(ctx context.Context, id uint, expiresAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&model.EmailSubscription{}).
		Where("id = ?", id).
		Update("expires_at", expiresAt.UTC())
	if result.Error != nil {
		return fmt.Errorf("failed to update subscription expiry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("subscription %d not found", id)
	}
	return nil
}

// DeleteBySubscriptionID removes every local row for a provider subscription.
func (s *SubscriptionStore) DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error {
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Delete(&model.EmailSubscription{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", subscriptionID, err)
	}
	return nil
}
