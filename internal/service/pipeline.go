// Package service runs an inbound email through dedup, agent resolution,
// sender authorization, agent execution and the optional reply.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/executor"
	"agent-mail-gateway/internal/metrics"
	"agent-mail-gateway/internal/model"
	"agent-mail-gateway/internal/provider"
)

const (
	// MaxEmailBodySize caps the assembled agent message in bytes.
	MaxEmailBodySize = 100 * 1024

	// SystemUserID is the execution identity for modes without a per-user
	// identity.
	SystemUserID = "system"

	noContentPlaceholder = "No message content"
	historySeparator     = "\n\n---\n\n"
	currentMessageMarker = "[Current message]: "
)

var truncationNotice = fmt.Sprintf("\n\n[Message truncated: exceeded %d KB limit]", MaxEmailBodySize/1024)

// Ledger claims message ids exactly once across replicas.
type Ledger interface {
	TryClaim(ctx context.Context, messageID string) (bool, error)
}

// Directory answers agent, user and team lookups.
type Directory interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	IsProfileAdmin(ctx context.Context, userID, agentID string) (bool, error)
	UserHasAgentAccess(ctx context.Context, userID, agentID string) (bool, error)
	TeamsForAgent(ctx context.Context, agentID string) ([]model.Team, error)
}

// ProviderSource hands out the current provider, or nil when incoming email
// is disabled. *provider.Holder satisfies it.
type ProviderSource interface {
	Provider(ctx context.Context) (provider.IncomingEmailProvider, error)
}

// InvocationResult is returned when the caller asked for a reply.
type InvocationResult struct {
	AgentID      string
	MessageID    string
	Text         string
	FinishReason string
	ReplySent    bool
	ReplyID      string
}

// Pipeline processes inbound emails addressed to agents.
type Pipeline struct {
	providers ProviderSource
	ledger    Ledger
	directory Directory
	executor  executor.Executor
	metrics   *metrics.Metrics
}

// NewPipeline wires the pipeline's collaborators.
func NewPipeline(providers ProviderSource, ledger Ledger, directory Directory, exec executor.Executor, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		providers: providers,
		ledger:    ledger,
		directory: directory,
		executor:  exec,
		metrics:   m,
	}
}

type invocationContext struct {
	agent          *model.Agent
	userID         string
	organizationID string
}

// Process runs one inbound email. It returns nil with no error for a
// duplicate delivery, and nil when sendReply is false. Once the message id is
// claimed, a later failure does not release the claim.
func (p *Pipeline) Process(ctx context.Context, email provider.IncomingEmail, sendReply bool) (*InvocationResult, error) {
	start := time.Now()
	result, err := p.process(ctx, email, sendReply)
	p.metrics.ProcessingTime.Observe(time.Since(start).Seconds())

	if err != nil {
		p.metrics.Invocations.WithLabelValues(Reason(err)).Inc()
	}
	return result, err
}

func (p *Pipeline) process(ctx context.Context, email provider.IncomingEmail, sendReply bool) (*InvocationResult, error) {
	prov, err := p.providers.Provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoProviderConfigured, err)
	}
	if prov == nil {
		return nil, ErrNoProviderConfigured
	}

	log := logrus.WithFields(logrus.Fields{
		"message_id": email.MessageID,
		"sender":     email.FromAddress,
	})

	claimed, err := p.ledger.TryClaim(ctx, email.MessageID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		p.metrics.DuplicateDeliveries.Inc()
		log.Info("Email already processed, skipping")
		return nil, nil
	}
	p.metrics.EmailsClaimed.Inc()

	ic, err := p.authorize(ctx, prov, email)
	if err != nil {
		log.WithError(err).Warn("Rejected inbound email")
		return nil, err
	}
	log = log.WithField("agent_id", ic.agent.ID)

	message := p.buildMessage(ctx, prov, email)

	res, err := p.executor.Execute(ctx, executor.Request{
		AgentID:        ic.agent.ID,
		Message:        message,
		OrganizationID: ic.organizationID,
		UserID:         ic.userID,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s execution failed: %w", ic.agent.ID, err)
	}
	p.metrics.Invocations.WithLabelValues("success").Inc()
	log.Info("Agent invoked for inbound email")

	if !sendReply {
		return nil, nil
	}

	out := &InvocationResult{
		AgentID:      ic.agent.ID,
		MessageID:    res.MessageID,
		Text:         res.Text,
		FinishReason: res.FinishReason,
	}
	if strings.TrimSpace(res.Text) == "" {
		return out, nil
	}

	replyID, err := prov.SendReply(ctx, provider.ReplyParams{
		Original:  email,
		Body:      res.Text,
		AgentName: ic.agent.Name,
	})
	if err != nil {
		p.metrics.ReplyFailures.Inc()
		log.WithError(err).Error("Failed to send email reply")
		return out, nil
	}
	p.metrics.RepliesSent.Inc()
	out.ReplySent = true
	out.ReplyID = replyID
	return out, nil
}

// authorize resolves the target agent and checks the sender against the
// agent's security mode.
func (p *Pipeline) authorize(ctx context.Context, prov provider.IncomingEmailProvider, email provider.IncomingEmail) (*invocationContext, error) {
	agentID, ok := prov.ExtractAgentIDFromEmail(email.ToAddress)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressResolutionFailed, email.ToAddress)
	}

	agent, err := p.directory.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if agent.AgentType != model.AgentTypeAgent {
		return nil, fmt.Errorf("%w: %s has type %s", ErrNotAnInternalAgent, agentID, agent.AgentType)
	}
	if !agent.IncomingEmailEnabled {
		return nil, fmt.Errorf("%w: %s", ErrEmailNotEnabledForAgent, agentID)
	}

	userID, err := p.checkSender(ctx, agent, email.FromAddress)
	if err != nil {
		return nil, err
	}

	orgID, err := p.organizationFor(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return &invocationContext{agent: agent, userID: userID, organizationID: orgID}, nil
}

// checkSender applies the agent's security mode and returns the execution
// identity.
func (p *Pipeline) checkSender(ctx context.Context, agent *model.Agent, sender string) (string, error) {
	sender = strings.ToLower(strings.TrimSpace(sender))

	switch agent.IncomingEmailSecurityMode {
	case model.SecurityModePrivate:
		user, err := p.directory.FindUserByEmail(ctx, sender)
		if err != nil {
			return "", err
		}
		if user == nil {
			return "", fmt.Errorf("%w: %s is not a registered user (agent %s)", ErrUnauthorized, sender, agent.ID)
		}
		admin, err := p.directory.IsProfileAdmin(ctx, user.ID, agent.ID)
		if err != nil {
			return "", err
		}
		if admin {
			return user.ID, nil
		}
		access, err := p.directory.UserHasAgentAccess(ctx, user.ID, agent.ID)
		if err != nil {
			return "", err
		}
		if !access {
			return "", fmt.Errorf("%w: %s has no access to agent %s", ErrUnauthorized, sender, agent.ID)
		}
		return user.ID, nil

	case model.SecurityModeInternal:
		if agent.IncomingEmailAllowedDomain == nil || strings.TrimSpace(*agent.IncomingEmailAllowedDomain) == "" {
			return "", fmt.Errorf("%w: agent %s uses internal mode without an allowed domain", ErrConfiguration, agent.ID)
		}
		allowed := strings.ToLower(strings.TrimSpace(*agent.IncomingEmailAllowedDomain))
		if provider.DomainOf(sender) != allowed {
			return "", fmt.Errorf("%w: %s is outside domain %s (agent %s)", ErrUnauthorized, sender, allowed, agent.ID)
		}
		return SystemUserID, nil

	case model.SecurityModePublic:
		return SystemUserID, nil

	default:
		logrus.WithFields(logrus.Fields{
			"agent_id": agent.ID,
			"mode":     agent.IncomingEmailSecurityMode,
		}).Warn("Unknown incoming email security mode, rejecting")
		return "", fmt.Errorf("%w: %q on agent %s, rejecting %s", ErrUnknownSecurityMode, agent.IncomingEmailSecurityMode, agent.ID, sender)
	}
}

func (p *Pipeline) organizationFor(ctx context.Context, agentID string) (string, error) {
	teams, err := p.directory.TeamsForAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if len(teams) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoTeamsFound, agentID)
	}
	if teams[0].OrganizationID == "" {
		return "", fmt.Errorf("%w: team %s", ErrNoOrganizationFound, teams[0].ID)
	}
	return teams[0].OrganizationID, nil
}

// buildMessage assembles thread context and the current message, then caps
// the result at MaxEmailBodySize.
func (p *Pipeline) buildMessage(ctx context.Context, prov provider.IncomingEmailProvider, email provider.IncomingEmail) string {
	text := selectText(email)

	var history []provider.ThreadMessage
	if email.ConversationID != "" {
		history = prov.GetConversationHistory(ctx, email.ConversationID, email.MessageID)
	}

	message := text
	if len(history) > 0 {
		message = renderHistory(history) + "\n\n" + currentMessageMarker + text
	}
	return truncateMessage(message)
}

func selectText(email provider.IncomingEmail) string {
	if body := strings.TrimSpace(email.Body); body != "" {
		return body
	}
	if subject := strings.TrimSpace(email.Subject); subject != "" {
		return subject
	}
	return noContentPlaceholder
}

func renderHistory(history []provider.ThreadMessage) string {
	entries := make([]string, 0, len(history))
	for _, m := range history {
		name := m.FromName
		if name == "" {
			name = m.FromAddress
		}
		speaker := "User"
		if m.IsAgentMessage {
			speaker = "You (Agent)"
		}
		entries = append(entries, fmt.Sprintf("[%s (%s)]: %s", speaker, name, strings.TrimSpace(m.Body)))
	}
	return "<conversation_history>\n" + strings.Join(entries, historySeparator) + "\n</conversation_history>"
}

// truncateMessage cuts at the byte limit, dropping a character split by the
// cut, and appends a notice.
func truncateMessage(message string) string {
	if len(message) <= MaxEmailBodySize {
		return message
	}
	return strings.ToValidUTF8(message[:MaxEmailBodySize], "") + truncationNotice
}
