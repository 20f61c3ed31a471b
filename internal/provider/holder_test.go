package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	configured bool
	initErr    error
	inits      int
	cleanups   int
}

func (s *stubProvider) Name() string       { return "stub" }
func (s *stubProvider) IsConfigured() bool { return s.configured }
func (s *stubProvider) Initialize(ctx context.Context) error {
	s.inits++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.initErr
}
func (s *stubProvider) GenerateEmailAddress(agentID string) string            { return agentID }
func (s *stubProvider) ExtractAgentIDFromEmail(address string) (string, bool) { return "", false }
func (s *stubProvider) HandleValidationChallenge(payload []byte) (string, bool) {
	return "", false
}
func (s *stubProvider) ValidateWebhookRequest(ctx context.Context, payload []byte, headers http.Header) bool {
	return false
}
func (s *stubProvider) ParseWebhookNotification(ctx context.Context, payload []byte, headers http.Header) ([]IncomingEmail, error) {
	return nil, nil
}
func (s *stubProvider) GetConversationHistory(ctx context.Context, conversationID, excludeMessageID string) []ThreadMessage {
	return nil
}
func (s *stubProvider) SendReply(ctx context.Context, params ReplyParams) (string, error) {
	return "", nil
}
func (s *stubProvider) Subscriptions() SubscriptionManager { return nil }
func (s *stubProvider) Cleanup(ctx context.Context) error {
	s.cleanups++
	return nil
}

var _ IncomingEmailProvider = (*stubProvider)(nil)

func TestHolder_InitializesOnce(t *testing.T) {
	stub := &stubProvider{configured: true}
	builds := 0
	h := NewHolder(func() (IncomingEmailProvider, error) {
		builds++
		return stub, nil
	})
	assert.Equal(t, StateUninitialized, h.State())

	p1, err := h.Provider(context.Background())
	require.NoError(t, err)
	p2, err := h.Provider(context.Background())
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, stub.inits)
	assert.Equal(t, StateConfigured, h.State())
}

func TestHolder_DisabledReturnsNil(t *testing.T) {
	h := NewHolder(func() (IncomingEmailProvider, error) { return nil, nil })

	p, err := h.Provider(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, StateUninitialized, h.State())
}

func TestHolder_FailureIsTerminalUntilReset(t *testing.T) {
	stub := &stubProvider{configured: true, initErr: errors.New("graph unreachable")}
	h := NewHolder(func() (IncomingEmailProvider, error) { return stub, nil })

	_, err := h.Provider(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, h.State())

	_, err = h.Provider(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph unreachable")
	assert.Equal(t, 1, stub.inits, "failed provider must not be retried implicitly")

	require.NoError(t, h.Reset(context.Background()))
	assert.Equal(t, StateUninitialized, h.State())

	stub.initErr = nil
	p, err := h.Provider(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, 2, stub.inits)
}

func TestHolder_NotConfigured(t *testing.T) {
	h := NewHolder(func() (IncomingEmailProvider, error) { return &stubProvider{}, nil })

	_, err := h.Provider(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.Equal(t, StateFailed, h.State())
}

func TestHolder_ResetCleansUpProvider(t *testing.T) {
	stub := &stubProvider{configured: true}
	h := NewHolder(func() (IncomingEmailProvider, error) { return stub, nil })

	_, err := h.Provider(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Reset(ctx))
	assert.Equal(t, 1, stub.cleanups)
}

func TestHolder_CancelledInitializationIsNotLatched(t *testing.T) {
	stub := &stubProvider{configured: true}
	h := NewHolder(func() (IncomingEmailProvider, error) { return stub, nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Provider(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateUninitialized, h.State())

	p, err := h.Provider(context.Background())
	require.NoError(t, err)
	assert.Same(t, stub, p)
	assert.Equal(t, StateConfigured, h.State())
	assert.Equal(t, 2, stub.inits)
}
