// Package outlook implements the incoming email provider on top of a
// Microsoft 365 shared mailbox through Microsoft Graph.
package outlook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/config"
	"agent-mail-gateway/internal/model"
	"agent-mail-gateway/internal/provider"
)

// Name is the provider identifier stored on subscriptions.
const Name = config.ProviderOutlook

const (
	graphScope   = "https://graph.microsoft.com/.default"
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	historyLimit = 50
)

var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "body",
	"from", "toRecipients", "ccRecipients", "bccRecipients", "receivedDateTime",
}

// SubscriptionStore persists webhook subscriptions.
// *repository.SubscriptionStore satisfies it.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *model.EmailSubscription) error
	GetActive(ctx context.Context) (*model.EmailSubscription, error)
	GetMostRecent(ctx context.Context) (*model.EmailSubscription, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.EmailSubscription, error)
	UpdateExpiry(ctx context.Context, id uint, expiresAt time.Time) error
	DeleteBySubscriptionID(ctx context.Context, subscriptionID string) error
}

// Provider is the Outlook implementation of provider.IncomingEmailProvider.
type Provider struct {
	cfg   config.OutlookConfig
	codec *provider.AddressCodec
	store SubscriptionStore
	now   func() time.Time

	newAdapter func() (abstractions.RequestAdapter, error)

	mu             sync.Mutex
	graph          *msgraphsdk.GraphServiceClient
	subscriptionID string
}

var (
	_ provider.IncomingEmailProvider = (*Provider)(nil)
	_ provider.SubscriptionManager   = (*Provider)(nil)
)

// New creates an Outlook provider. It performs no network calls; use
// Initialize to verify credentials and mailbox access.
func New(cfg config.OutlookConfig, store SubscriptionStore) *Provider {
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = graphBaseURL
	}
	p := &Provider{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
	p.newAdapter = func() (abstractions.RequestAdapter, error) {
		return newGraphAdapter(cfg)
	}
	if cfg.MailboxAddress != "" {
		if codec, err := provider.NewAddressCodec(cfg.MailboxAddress, cfg.EmailDomain); err == nil {
			p.codec = codec
		} else {
			logrus.WithError(err).Warn("Outlook mailbox address is invalid")
		}
	}
	return p
}

func (p *Provider) Name() string { return Name }

func (p *Provider) IsConfigured() bool {
	return p.cfg.IsConfigured() && p.codec != nil
}

// Initialize obtains a token and reads one message to prove mailbox access.
func (p *Provider) Initialize(ctx context.Context) error {
	if !p.IsConfigured() {
		return provider.ErrNotConfigured
	}

	mailbox, err := p.mailbox()
	if err != nil {
		return err
	}
	_, err = mailbox.Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    ptr(int32(1)),
			Select: []string{"id"},
		},
	})
	if err != nil {
		p.dropClient()
		return wrapGraph("failed to access mailbox "+p.cfg.MailboxAddress, err)
	}

	logrus.WithFields(logrus.Fields{
		"mailbox": p.cfg.MailboxAddress,
		"domain":  p.codec.Domain(),
	}).Info("Outlook provider initialized")
	return nil
}

func (p *Provider) GenerateEmailAddress(agentID string) string {
	if p.codec == nil {
		return ""
	}
	return p.codec.Generate(agentID)
}

func (p *Provider) ExtractAgentIDFromEmail(address string) (string, bool) {
	if p.codec == nil {
		return "", false
	}
	return p.codec.Extract(address)
}

func (p *Provider) HandleValidationChallenge(payload []byte) (string, bool) {
	collection, err := decodeNotifications(payload)
	if err != nil {
		return "", false
	}
	token := validationToken(collection)
	return token, token != ""
}

// ValidateWebhookRequest compares the first notification's clientState with
// the secret of the active subscription in constant time.
func (p *Provider) ValidateWebhookRequest(ctx context.Context, payload []byte, _ http.Header) bool {
	collection, err := decodeNotifications(payload)
	if err != nil || len(collection.GetValue()) == 0 {
		return false
	}
	received := deref(collection.GetValue()[0].GetClientState())
	if received == "" {
		return false
	}

	active, err := p.store.GetActive(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to load active subscription for webhook validation")
		return false
	}
	if active == nil || active.ClientState == "" {
		logrus.Warn("Webhook received with no active subscription")
		return false
	}

	if len(received) != len(active.ClientState) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(received), []byte(active.ClientState)) == 1
}

// ParseWebhookNotification fetches every newly created message named in the
// payload and keeps those addressed to an agent sub-address. Messages that
// cannot be fetched are skipped.
func (p *Provider) ParseWebhookNotification(ctx context.Context, payload []byte, _ http.Header) ([]provider.IncomingEmail, error) {
	collection, err := decodeNotifications(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid notification payload: %w", err)
	}
	if len(collection.GetValue()) == 0 || p.codec == nil {
		return nil, nil
	}

	var emails []provider.IncomingEmail
	for _, n := range collection.GetValue() {
		if ct := n.GetChangeType(); ct == nil || *ct != models.CREATED_CHANGETYPE {
			continue
		}
		id := notifiedMessageID(n)
		if id == "" {
			continue
		}

		msg, err := p.fetchMessage(ctx, id)
		if err != nil {
			logrus.WithField("message_id", id).Warnf("Failed to fetch notified message: %s", describe(err))
			continue
		}

		to, ok := p.agentRecipient(msg)
		if !ok {
			logrus.WithField("message_id", id).Debug("Message is not addressed to an agent")
			continue
		}
		var subscriptionID string
		if sid := n.GetSubscriptionId(); sid != nil {
			subscriptionID = sid.String()
		}
		emails = append(emails, p.toIncomingEmail(msg, to, subscriptionID))
	}
	return emails, nil
}

func (p *Provider) fetchMessage(ctx context.Context, id string) (models.Messageable, error) {
	mailbox, err := p.mailbox()
	if err != nil {
		return nil, err
	}
	msg, err := mailbox.Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
		},
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("empty message response")
	}
	return msg, nil
}

func (p *Provider) agentRecipient(msg models.Messageable) (string, bool) {
	groups := [][]models.Recipientable{msg.GetToRecipients(), msg.GetCcRecipients(), msg.GetBccRecipients()}
	for _, group := range groups {
		for _, r := range group {
			if address, _ := recipientAddress(r); p.codec.Matches(address) {
				return provider.NormalizeAddress(address), true
			}
		}
	}
	return "", false
}

func (p *Provider) toIncomingEmail(msg models.Messageable, to, subscriptionID string) provider.IncomingEmail {
	email := provider.IncomingEmail{
		MessageID:      deref(msg.GetId()),
		ConversationID: deref(msg.GetConversationId()),
		ToAddress:      to,
		Subject:        deref(msg.GetSubject()),
		ReceivedAt:     deref(msg.GetReceivedDateTime()),
		Metadata: map[string]string{
			"provider":            Name,
			"internet_message_id": deref(msg.GetInternetMessageId()),
			"subscription_id":     subscriptionID,
		},
	}
	address, name := recipientAddress(msg.GetFrom())
	email.FromAddress = provider.NormalizeAddress(address)
	email.FromName = name
	email.Body, email.HTMLBody = bodyText(msg.GetBody())
	return email
}

func bodyText(b models.ItemBodyable) (text, html string) {
	if b == nil {
		return "", ""
	}
	content := deref(b.GetContent())
	if ct := b.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
		return provider.HTMLToText(content), content
	}
	return strings.TrimSpace(content), ""
}

// GetConversationHistory returns earlier messages in the thread, oldest
// first. Failures are logged and yield an empty history.
func (p *Provider) GetConversationHistory(ctx context.Context, conversationID, excludeMessageID string) []provider.ThreadMessage {
	if conversationID == "" {
		return nil
	}
	log := logrus.WithField("conversation_id", conversationID)

	mailbox, err := p.mailbox()
	if err != nil {
		log.WithError(err).Warn("Failed to fetch conversation history")
		return nil
	}
	filter := fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(conversationID, "'", "''"))
	list, err := mailbox.Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Top:    ptr(int32(historyLimit)),
			Select: []string{"id", "from", "body", "receivedDateTime"},
		},
	})
	if err != nil {
		log.Warnf("Failed to fetch conversation history: %s", describe(err))
		return nil
	}
	if list == nil {
		return nil
	}

	own := strings.ToLower(p.cfg.MailboxAddress)
	history := make([]provider.ThreadMessage, 0, len(list.GetValue()))
	for _, msg := range list.GetValue() {
		id := deref(msg.GetId())
		if id == excludeMessageID {
			continue
		}
		address, name := recipientAddress(msg.GetFrom())
		tm := provider.ThreadMessage{
			MessageID:   id,
			FromAddress: provider.NormalizeAddress(address),
			FromName:    name,
			ReceivedAt:  deref(msg.GetReceivedDateTime()),
		}
		tm.IsAgentMessage = tm.FromAddress == own || (p.codec != nil && p.codec.Matches(tm.FromAddress))
		tm.Body, _ = bodyText(msg.GetBody())
		history = append(history, tm)
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].ReceivedAt.Before(history[j].ReceivedAt)
	})
	return history
}

// SendReply replies in-thread from the agent's address. When Graph refuses
// to send as the sub-address the reply goes out from the shared mailbox with
// Reply-To pointing at the agent. Any other failure is returned as is.
func (p *Provider) SendReply(ctx context.Context, params provider.ReplyParams) (string, error) {
	id, err := p.sendReply(ctx, params, true)
	if err == nil {
		return id, nil
	}
	if !IsSendAsDenied(err) {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"agent_address": params.Original.ToAddress,
		"mailbox":       p.cfg.MailboxAddress,
	}).Warn("Send-as denied for agent address, replying from mailbox with Reply-To")
	return p.sendReply(ctx, params, false)
}

func (p *Provider) sendReply(ctx context.Context, params provider.ReplyParams, asAgent bool) (string, error) {
	mailbox, err := p.mailbox()
	if err != nil {
		return "", err
	}
	messages := mailbox.Messages()

	draft, err := messages.ByMessageId(params.Original.MessageID).CreateReply().
		Post(ctx, users.NewItemMessagesItemCreateReplyPostRequestBody(), nil)
	if err != nil {
		return "", wrapGraph("failed to create reply draft", err)
	}
	draftID := ""
	if draft != nil {
		draftID = deref(draft.GetId())
	}
	if draftID == "" {
		return "", errors.New("failed to create reply draft: no draft id returned")
	}
	item := messages.ByMessageId(draftID)

	update := models.NewMessage()
	update.SetBody(replyBody(params))
	update.SetReplyTo([]models.Recipientable{newRecipient(params.Original.ToAddress, params.AgentName)})
	if asAgent {
		update.SetFrom(newRecipient(params.Original.ToAddress, params.AgentName))
	}
	if _, err := item.Patch(ctx, update, nil); err != nil {
		p.discardDraft(ctx, item)
		return "", wrapGraph("failed to update reply draft", err)
	}

	if err := item.Send().Post(ctx, nil); err != nil {
		p.discardDraft(ctx, item)
		return "", wrapGraph("failed to send reply", err)
	}

	logrus.WithFields(logrus.Fields{
		"in_reply_to": params.Original.MessageID,
		"to":          params.Original.FromAddress,
	}).Info("Reply sent")
	return draftID, nil
}

func replyBody(params provider.ReplyParams) models.ItemBodyable {
	body := models.NewItemBody()
	if params.HTMLBody != "" {
		body.SetContentType(ptr(models.HTML_BODYTYPE))
		body.SetContent(ptr(params.HTMLBody))
	} else {
		body.SetContentType(ptr(models.TEXT_BODYTYPE))
		body.SetContent(ptr(params.Body))
	}
	return body
}

func (p *Provider) discardDraft(ctx context.Context, item *users.ItemMessagesMessageItemRequestBuilder) {
	if err := item.Delete(ctx, nil); err != nil {
		logrus.Debugf("Failed to discard reply draft: %s", describe(err))
	}
}

func (p *Provider) Subscriptions() provider.SubscriptionManager { return p }

// Cleanup deletes the subscription this process is tracking and releases
// the Graph client.
func (p *Provider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	id := p.subscriptionID
	p.mu.Unlock()

	var err error
	if id != "" {
		err = p.DeleteSubscription(ctx, id)
	}
	p.dropClient()
	return err
}

func (p *Provider) client() (*msgraphsdk.GraphServiceClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graph == nil {
		adapter, err := p.newAdapter()
		if err != nil {
			return nil, err
		}
		p.graph = msgraphsdk.NewGraphServiceClient(adapter)
	}
	return p.graph, nil
}

func (p *Provider) mailbox() (*users.UserItemRequestBuilder, error) {
	g, err := p.client()
	if err != nil {
		return nil, err
	}
	return g.Users().ByUserId(p.cfg.MailboxAddress), nil
}

func (p *Provider) dropClient() {
	p.mu.Lock()
	p.graph = nil
	p.mu.Unlock()
}

func (p *Provider) trackSubscription(id string) {
	p.mu.Lock()
	p.subscriptionID = id
	p.mu.Unlock()
}

func (p *Provider) untrackSubscription(id string) {
	p.mu.Lock()
	if p.subscriptionID == id {
		p.subscriptionID = ""
	}
	p.mu.Unlock()
}

var errNoLocalSubscription = errors.New("subscription is not tracked locally")
