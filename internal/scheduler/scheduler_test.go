package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-mail-gateway/internal/config"
	"agent-mail-gateway/internal/metrics"
	"agent-mail-gateway/internal/provider"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	cutoff time.Time
	purged int64
}

func (l *fakeLedger) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	l.cutoff = olderThan
	return l.purged, nil
}

type fakeSubs struct {
	mu         sync.Mutex
	active     *provider.SubscriptionInfo
	createErrs []error
	creates    int
	renewErr   error
	renewed    []string
	deleteErr  error
	deleted    []string
}

func (f *fakeSubs) CreateSubscription(ctx context.Context, webhookURL string) (*provider.SubscriptionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.active = &provider.SubscriptionInfo{SubscriptionID: fmt.Sprintf("sub-%d", f.creates), WebhookURL: webhookURL, ExpiresAt: testNow.Add(72 * time.Hour)}
	return f.active, nil
}

func (f *fakeSubs) RenewSubscription(ctx context.Context, id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed = append(f.renewed, id)
	if f.renewErr != nil {
		return time.Time{}, f.renewErr
	}
	return testNow.Add(72 * time.Hour), nil
}

func (f *fakeSubs) GetSubscriptionStatus(ctx context.Context) (*provider.SubscriptionInfo, error) {
	return f.GetActiveSubscription(ctx)
}

func (f *fakeSubs) GetActiveSubscription(ctx context.Context) (*provider.SubscriptionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeSubs) ListRemoteSubscriptions(ctx context.Context) ([]provider.RemoteSubscription, error) {
	return nil, nil
}

func (f *fakeSubs) DeleteAllRemoteSubscriptions(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeSubs) DeleteSubscription(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeSubs) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type subsProvider struct {
	subs *fakeSubs
}

func (p *subsProvider) Name() string                                    { return "fake" }
func (p *subsProvider) IsConfigured() bool                              { return true }
func (p *subsProvider) Initialize(ctx context.Context) error            { return nil }
func (p *subsProvider) GenerateEmailAddress(id string) string           { return id }
func (p *subsProvider) ExtractAgentIDFromEmail(string) (string, bool)   { return "", false }
func (p *subsProvider) HandleValidationChallenge([]byte) (string, bool) { return "", false }
func (p *subsProvider) ValidateWebhookRequest(context.Context, []byte, http.Header) bool {
	return false
}
func (p *subsProvider) ParseWebhookNotification(context.Context, []byte, http.Header) ([]provider.IncomingEmail, error) {
	return nil, nil
}
func (p *subsProvider) GetConversationHistory(context.Context, string, string) []provider.ThreadMessage {
	return nil
}
func (p *subsProvider) SendReply(context.Context, provider.ReplyParams) (string, error) {
	return "", nil
}
func (p *subsProvider) Subscriptions() provider.SubscriptionManager {
	if p.subs == nil {
		return nil
	}
	return p.subs
}
func (p *subsProvider) Cleanup(context.Context) error { return nil }

type staticSource struct {
	p   provider.IncomingEmailProvider
	err error
}

func (s staticSource) Provider(context.Context) (provider.IncomingEmailProvider, error) {
	return s.p, s.err
}

func testConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		CleanupIntervalMinutes: 60,
		RetentionHours:         24,
		RenewalIntervalMinutes: 60,
		RenewBeforeHours:       24,
		SetupMaxAttempts:       4,
		SetupInitialBackoff:    time.Millisecond,
		SetupMaxBackoff:        2 * time.Millisecond,
	}
}

func newTestScheduler(webhookURL string, ledger Ledger, source ProviderSource) *Scheduler {
	s := New(testConfig(), webhookURL, ledger, source, metrics.NewMetrics(nil))
	s.now = func() time.Time { return testNow }
	return s
}

func TestSchedulerRestart(t *testing.T) {
	sched := newTestScheduler("", &fakeLedger{}, staticSource{})

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start(), "double start")
	assert.False(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.True(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.NoError(t, sched.context().Err(), "context should be active after restart")

	require.NoError(t, sched.Stop())
	sched.Wait()
	assert.Equal(t, SetupSkipped, sched.Status().SetupState)
}

func TestRunCleanupOnce(t *testing.T) {
	ledger := &fakeLedger{purged: 7}
	sched := newTestScheduler("", ledger, staticSource{})

	purged, err := sched.RunCleanupOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), purged)
	assert.True(t, ledger.cutoff.Equal(testNow.Add(-24*time.Hour)))
	assert.Equal(t, 7.0, testutil.ToFloat64(sched.metrics.LedgerPurged))
}

func TestRunRenewalOnce(t *testing.T) {
	const hook = "https://agents.example.com/api/v1/webhooks/email"

	t.Run("far from expiry", func(t *testing.T) {
		subs := &fakeSubs{active: &provider.SubscriptionInfo{SubscriptionID: "sub-a", ExpiresAt: testNow.Add(48 * time.Hour)}}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		require.NoError(t, sched.RunRenewalOnce(context.Background()))
		assert.Empty(t, subs.renewed)
	})

	t.Run("close to expiry", func(t *testing.T) {
		subs := &fakeSubs{active: &provider.SubscriptionInfo{SubscriptionID: "sub-a", ExpiresAt: testNow.Add(2 * time.Hour)}}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		require.NoError(t, sched.RunRenewalOnce(context.Background()))
		assert.Equal(t, []string{"sub-a"}, subs.renewed)
		assert.Zero(t, subs.createCount())
	})

	t.Run("renew failure recreates", func(t *testing.T) {
		subs := &fakeSubs{
			active:   &provider.SubscriptionInfo{SubscriptionID: "sub-a", ExpiresAt: testNow.Add(time.Hour)},
			renewErr: errors.New("subscription not found"),
		}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		require.NoError(t, sched.RunRenewalOnce(context.Background()))
		assert.Equal(t, 1, subs.createCount())
		assert.Equal(t, []string{"sub-a"}, subs.deleted, "superseded subscription is deleted")
		assert.Equal(t, "sub-1", subs.active.SubscriptionID)
	})

	t.Run("replacement failure keeps old subscription", func(t *testing.T) {
		subs := &fakeSubs{
			active:     &provider.SubscriptionInfo{SubscriptionID: "sub-a", ExpiresAt: testNow.Add(time.Hour)},
			renewErr:   errors.New("service unavailable"),
			createErrs: []error{errors.New("forbidden")},
		}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		assert.Error(t, sched.RunRenewalOnce(context.Background()))
		assert.Empty(t, subs.deleted)
	})

	t.Run("superseded delete failure is tolerated", func(t *testing.T) {
		subs := &fakeSubs{
			active:    &provider.SubscriptionInfo{SubscriptionID: "sub-a", ExpiresAt: testNow.Add(time.Hour)},
			renewErr:  errors.New("subscription not found"),
			deleteErr: errors.New("database is locked"),
		}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		require.NoError(t, sched.RunRenewalOnce(context.Background()))
		assert.Equal(t, []string{"sub-a"}, subs.deleted)
	})

	t.Run("renew failure without webhook", func(t *testing.T) {
		subs := &fakeSubs{
			active:   &provider.SubscriptionInfo{SubscriptionID: "sub-a", ExpiresAt: testNow.Add(time.Hour)},
			renewErr: errors.New("subscription not found"),
		}
		sched := newTestScheduler("", &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		assert.Error(t, sched.RunRenewalOnce(context.Background()))
	})

	t.Run("none active", func(t *testing.T) {
		subs := &fakeSubs{}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		require.NoError(t, sched.RunRenewalOnce(context.Background()))
		assert.Equal(t, 1, subs.createCount())
		assert.Equal(t, hook, subs.active.WebhookURL)
	})

	t.Run("none active and no webhook", func(t *testing.T) {
		subs := &fakeSubs{}
		sched := newTestScheduler("", &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		require.NoError(t, sched.RunRenewalOnce(context.Background()))
		assert.Zero(t, subs.createCount())
	})

	t.Run("provider disabled or without subscriptions", func(t *testing.T) {
		assert.NoError(t, newTestScheduler(hook, &fakeLedger{}, staticSource{}).RunRenewalOnce(context.Background()))
		assert.NoError(t, newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{}}).RunRenewalOnce(context.Background()))
	})
}

func notReady() error {
	return fmt.Errorf("failed to create subscription: %w", provider.ErrWebhookNotReady)
}

func TestSetupWithRetry(t *testing.T) {
	const hook = "https://agents.example.com/hook"

	t.Run("retries until validation succeeds", func(t *testing.T) {
		subs := &fakeSubs{createErrs: []error{notReady(), notReady(), nil}}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		require.NoError(t, sched.setupWithRetry(context.Background()))
		assert.Equal(t, 3, subs.createCount())
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		subs := &fakeSubs{createErrs: []error{errors.New("forbidden")}}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		assert.EqualError(t, sched.setupWithRetry(context.Background()), "forbidden")
		assert.Equal(t, 1, subs.createCount())
	})

	t.Run("bounded attempts", func(t *testing.T) {
		subs := &fakeSubs{createErrs: []error{notReady(), notReady(), notReady(), notReady(), notReady()}}
		sched := newTestScheduler(hook, &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
		err := sched.setupWithRetry(context.Background())
		assert.ErrorIs(t, err, provider.ErrWebhookNotReady)
		assert.Equal(t, 4, subs.createCount())
	})
}

func TestSetupRecordsOutcome(t *testing.T) {
	subs := &fakeSubs{createErrs: []error{errors.New("forbidden")}}
	sched := newTestScheduler("https://agents.example.com/hook", &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})

	require.NoError(t, sched.Start())
	assert.Eventually(t, func() bool {
		return sched.Status().SetupState == SetupFailed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "forbidden", sched.Status().SetupError)

	require.NoError(t, sched.Stop())
	sched.Wait()
}

func TestSetupCancelledOnStop(t *testing.T) {
	subs := &fakeSubs{createErrs: []error{notReady(), notReady()}}
	sched := newTestScheduler("https://agents.example.com/hook", &fakeLedger{}, staticSource{p: &subsProvider{subs: subs}})
	sched.config.SetupInitialBackoff = time.Hour
	sched.config.SetupMaxBackoff = time.Hour

	require.NoError(t, sched.Start())
	assert.Eventually(t, func() bool { return subs.createCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("setup goroutine did not stop")
	}
	assert.Equal(t, SetupIdle, sched.Status().SetupState)
	assert.Equal(t, 1, subs.createCount())
}
