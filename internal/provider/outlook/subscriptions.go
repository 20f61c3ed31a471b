package outlook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/model"
	"agent-mail-gateway/internal/provider"
)

// Graph caps mail subscriptions just under seven days; three leaves room for
// a missed renewal run.
const subscriptionLease = 3 * 24 * time.Hour

// CreateSubscription registers a webhook for new Inbox messages and stores
// it with a freshly generated client state.
func (p *Provider) CreateSubscription(ctx context.Context, webhookURL string) (*provider.SubscriptionInfo, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	clientState, err := newClientState()
	if err != nil {
		return nil, err
	}

	g, err := p.client()
	if err != nil {
		return nil, err
	}
	requested := p.now().UTC().Add(subscriptionLease)
	req := models.NewSubscription()
	req.SetChangeType(ptr("created"))
	req.SetNotificationUrl(ptr(webhookURL))
	req.SetResource(ptr(fmt.Sprintf("users/%s/mailFolders('Inbox')/messages", p.cfg.MailboxAddress)))
	req.SetExpirationDateTime(&requested)
	req.SetClientState(ptr(clientState))

	created, err := g.Subscriptions().Post(ctx, req, nil)
	if err != nil {
		if IsValidationNotReady(err) {
			return nil, fmt.Errorf("failed to create subscription: %w: %w", provider.ErrWebhookNotReady, err)
		}
		return nil, wrapGraph("failed to create subscription", err)
	}
	if created == nil || deref(created.GetId()) == "" {
		return nil, fmt.Errorf("failed to create subscription: no subscription id returned")
	}
	subscriptionID := deref(created.GetId())
	expiresAt := requested
	if t := created.GetExpirationDateTime(); t != nil && !t.IsZero() {
		expiresAt = t.UTC()
	}

	row := &model.EmailSubscription{
		SubscriptionID: subscriptionID,
		Provider:       Name,
		WebhookURL:     webhookURL,
		ClientState:    clientState,
		ExpiresAt:      expiresAt,
	}
	if err := p.store.Create(ctx, row); err != nil {
		return nil, err
	}
	p.trackSubscription(subscriptionID)

	logrus.WithFields(logrus.Fields{
		"subscription_id": subscriptionID,
		"expires_at":      row.ExpiresAt,
	}).Info("Email subscription created")
	return p.toInfo(row), nil
}

// RenewSubscription extends the lease on the provider and updates the same
// stored row, keeping its client state.
func (p *Provider) RenewSubscription(ctx context.Context, subscriptionID string) (time.Time, error) {
	row, err := p.store.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return time.Time{}, err
	}
	if row == nil {
		return time.Time{}, fmt.Errorf("renew %s: %w", subscriptionID, errNoLocalSubscription)
	}

	g, err := p.client()
	if err != nil {
		return time.Time{}, err
	}
	requested := p.now().UTC().Add(subscriptionLease)
	req := models.NewSubscription()
	req.SetExpirationDateTime(&requested)

	renewed, err := g.Subscriptions().BySubscriptionId(subscriptionID).Patch(ctx, req, nil)
	if err != nil {
		return time.Time{}, wrapGraph("failed to renew subscription "+subscriptionID, err)
	}
	expiresAt := requested
	if renewed != nil {
		if t := renewed.GetExpirationDateTime(); t != nil && !t.IsZero() {
			expiresAt = t.UTC()
		}
	}

	if err := p.store.UpdateExpiry(ctx, row.ID, expiresAt); err != nil {
		return time.Time{}, err
	}
	p.trackSubscription(subscriptionID)

	logrus.WithFields(logrus.Fields{
		"subscription_id": subscriptionID,
		"expires_at":      expiresAt,
	}).Info("Email subscription renewed")
	return expiresAt, nil
}

// GetSubscriptionStatus returns the most recent subscription, expired or not.
func (p *Provider) GetSubscriptionStatus(ctx context.Context) (*provider.SubscriptionInfo, error) {
	row, err := p.store.GetMostRecent(ctx)
	if err != nil || row == nil {
		return nil, err
	}
	return p.toInfo(row), nil
}

func (p *Provider) GetActiveSubscription(ctx context.Context) (*provider.SubscriptionInfo, error) {
	row, err := p.store.GetActive(ctx)
	if err != nil || row == nil {
		return nil, err
	}
	return p.toInfo(row), nil
}

func (p *Provider) ListRemoteSubscriptions(ctx context.Context) ([]provider.RemoteSubscription, error) {
	g, err := p.client()
	if err != nil {
		return nil, err
	}
	list, err := g.Subscriptions().Get(ctx, nil)
	if err != nil {
		return nil, wrapGraph("failed to list subscriptions", err)
	}
	if list == nil {
		return nil, nil
	}
	out := make([]provider.RemoteSubscription, 0, len(list.GetValue()))
	for _, s := range list.GetValue() {
		out = append(out, provider.RemoteSubscription{
			ID:                 deref(s.GetId()),
			Resource:           deref(s.GetResource()),
			ChangeType:         deref(s.GetChangeType()),
			NotificationURL:    deref(s.GetNotificationUrl()),
			ExpirationDateTime: deref(s.GetExpirationDateTime()),
		})
	}
	return out, nil
}

// DeleteAllRemoteSubscriptions removes every subscription the application
// owns on the provider, including ones this database never recorded.
func (p *Provider) DeleteAllRemoteSubscriptions(ctx context.Context) (int, error) {
	remote, err := p.ListRemoteSubscriptions(ctx)
	if err != nil {
		return 0, err
	}
	g, err := p.client()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, s := range remote {
		if err := g.Subscriptions().BySubscriptionId(s.ID).Delete(ctx, nil); err != nil {
			logrus.WithField("subscription_id", s.ID).Warnf("Failed to delete remote subscription: %s", describe(err))
			continue
		}
		if err := p.store.DeleteBySubscriptionID(ctx, s.ID); err != nil {
			logrus.WithError(err).WithField("subscription_id", s.ID).Warn("Failed to delete local subscription")
		}
		p.untrackSubscription(s.ID)
		deleted++
	}
	return deleted, nil
}

// DeleteSubscription removes the subscription on the provider and locally.
// A provider failure is logged and the local row is still removed.
func (p *Provider) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	g, err := p.client()
	if err != nil {
		return err
	}
	if err := g.Subscriptions().BySubscriptionId(subscriptionID).Delete(ctx, nil); err != nil {
		logrus.WithField("subscription_id", subscriptionID).Warnf("Failed to delete subscription on provider: %s", describe(err))
	}
	p.untrackSubscription(subscriptionID)
	if err := p.store.DeleteBySubscriptionID(ctx, subscriptionID); err != nil {
		return err
	}
	logrus.WithField("subscription_id", subscriptionID).Info("Email subscription deleted")
	return nil
}

func (p *Provider) toInfo(row *model.EmailSubscription) *provider.SubscriptionInfo {
	return &provider.SubscriptionInfo{
		ID:             row.ID,
		SubscriptionID: row.SubscriptionID,
		Provider:       row.Provider,
		WebhookURL:     row.WebhookURL,
		ClientState:    row.ClientState,
		ExpiresAt:      row.ExpiresAt,
		IsActive:       row.IsActive(p.now()),
	}
}

func newClientState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate client state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
